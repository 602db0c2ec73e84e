// Command seed-db loads a demo catalog, demo learners, and an admin API key
// into the database. Safe to re-run: every write is an upsert.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/openlearn/commerce/internal/domain/auth"
	"github.com/openlearn/commerce/internal/domain/catalog"
	"github.com/openlearn/commerce/internal/storage/postgres"
)

type catalogJSON struct {
	Programs []struct {
		ReadableID string `json:"readable_id"`
		Title      string `json:"title"`
	} `json:"programs"`
	CourseRuns []struct {
		CoursewareID string `json:"courseware_id"`
		Title        string `json:"title"`
		Program      string `json:"program"`
		Price        string `json:"price"`
		Description  string `json:"description"`
	} `json:"course_runs"`
	Users []struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Name     string `json:"name"`
	} `json:"users"`
}

const (
	upsertProgramSQL = `INSERT INTO programs (id, readable_id, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (readable_id) DO UPDATE SET title = EXCLUDED.title
		RETURNING id`

	upsertCourseRunSQL = `INSERT INTO course_runs (id, courseware_id, title, program_id)
		VALUES ($1, $2, $3, NULLIF($4, '')::uuid)
		ON CONFLICT (courseware_id) DO UPDATE SET title = EXCLUDED.title, program_id = EXCLUDED.program_id
		RETURNING id`
)

func main() {
	var (
		databaseURL  string
		catalogFile  string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to catalog JSON file")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or COMMERCE_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or COMMERCE_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("COMMERCE_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or COMMERCE_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("COMMERCE_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedCatalog(ctx, pool, catalogFile); err != nil {
		return errors.Wrap(err, "seed catalog")
	}

	if err := seedAPIKey(ctx, pool, apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func seedCatalog(ctx context.Context, pool *pgxpool.Pool, catalogFile string) error {
	slog.Info("reading catalog file", slog.String("path", catalogFile))

	data, err := os.ReadFile(catalogFile)
	if err != nil {
		return errors.Wrap(err, "read catalog file")
	}

	var c catalogJSON
	if err := json.Unmarshal(data, &c); err != nil {
		return errors.Wrap(err, "parse catalog JSON")
	}

	programIDs := make(map[string]string, len(c.Programs))
	for _, p := range c.Programs {
		var id string
		err := pool.QueryRow(ctx, upsertProgramSQL, uuid.NewString(), p.ReadableID, p.Title).Scan(&id)
		if err != nil {
			return errors.Wrapf(err, "upsert program %s", p.ReadableID)
		}
		programIDs[p.ReadableID] = id
		slog.Info("upserted program", slog.String("readable_id", p.ReadableID))
	}

	products := postgres.NewProductRepository(pool)
	for _, r := range c.CourseRuns {
		var runID string
		err := pool.QueryRow(ctx, upsertCourseRunSQL,
			uuid.NewString(), r.CoursewareID, r.Title, programIDs[r.Program],
		).Scan(&runID)
		if err != nil {
			return errors.Wrapf(err, "upsert course run %s", r.CoursewareID)
		}
		slog.Info("upserted course run", slog.String("courseware_id", r.CoursewareID))

		if r.Price == "" {
			continue
		}
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			return errors.Wrapf(err, "parse price for %s", r.CoursewareID)
		}
		err = products.Create(ctx, &catalog.Product{
			Purchasable: catalog.Purchasable{Kind: catalog.KindCourseRun, ID: runID},
			Price:       price,
			Description: r.Description,
			IsActive:    true,
		})
		if err != nil {
			if errors.Is(err, catalog.ErrActiveProductExists) {
				slog.Info("product already exists", slog.String("courseware_id", r.CoursewareID))
				continue
			}
			return errors.Wrapf(err, "create product for %s", r.CoursewareID)
		}
		slog.Info("created product", slog.String("courseware_id", r.CoursewareID), slog.String("price", r.Price))
	}

	users := postgres.NewUserRepository(pool)
	for _, u := range c.Users {
		id, err := users.Ensure(ctx, u.Username, u.Email, u.Name)
		if err != nil {
			return errors.Wrapf(err, "ensure user %s", u.Username)
		}
		slog.Info("ensured user", slog.String("username", u.Username), slog.String("id", id))
	}

	return nil
}

func seedAPIKey(ctx context.Context, pool *pgxpool.Pool, apiKey, pepper string) error {
	slog.Info("seeding admin API key")

	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(apiKey))
	keyHash := hex.EncodeToString(mac.Sum(nil))

	apikeys := postgres.NewAPIKeyRepository(pool)
	if _, err := apikeys.FindByHash(ctx, keyHash); err == nil {
		slog.Info("API key already seeded")
		return nil
	}

	scopes := []string{auth.ScopeRefunds, auth.ScopeDiscounts, auth.ScopeCatalog}
	if err := apikeys.Create(ctx, keyHash, "Seeded admin key", scopes); err != nil {
		return errors.Wrap(err, "create admin API key")
	}

	slog.Info("seeded API key", slog.Any("scopes", scopes))
	return nil
}

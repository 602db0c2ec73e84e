// Command enrollment-upgrade upgrades audit enrollments to the verified
// track from a CSV export of (username, courseware_id) pairs, typically
// produced by the financial aid review. Unknown users and runs are skipped
// and reported rather than aborting the batch.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"

	"github.com/openlearn/commerce/internal/domain/enrollment"
	"github.com/openlearn/commerce/internal/openedx"
	"github.com/openlearn/commerce/internal/storage/postgres"
)

func main() {
	var (
		databaseURL  string
		inputFile    string
		openedxURL   string
		openedxToken string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&inputFile, "file", "", "CSV of username,courseware_id rows (.gz supported)")
	flag.StringVar(&openedxURL, "openedx-base-url", "", "Open edX base URL (or COMMERCE_OPENEDX_BASE_URL env)")
	flag.StringVar(&openedxToken, "openedx-access-token", "", "Open edX service worker token (or COMMERCE_OPENEDX_ACCESS_TOKEN env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if openedxURL == "" {
		openedxURL = os.Getenv("COMMERCE_OPENEDX_BASE_URL")
	}
	if openedxToken == "" {
		openedxToken = os.Getenv("COMMERCE_OPENEDX_ACCESS_TOKEN")
	}
	if databaseURL == "" || inputFile == "" || openedxURL == "" {
		slog.Error("required: --database-url, --file, --openedx-base-url")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, inputFile, openedxURL, openedxToken); err != nil {
		slog.Error("enrollment upgrade failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, databaseURL, inputFile, openedxURL, openedxToken string) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	users := postgres.NewUserRepository(pool)
	runs := postgres.NewCourseRunRepository(pool)
	enrollments := enrollment.NewService(enrollment.Config{
		Repo: postgres.NewEnrollmentRepository(pool),
		Runs: runs,
		Platform: openedx.NewClient(openedx.Config{
			BaseURL: openedxURL,
			Token:   openedxToken,
		}),
		IsTransient: openedx.IsTransient,
	})

	rows, closeInput, err := openCSV(inputFile)
	if err != nil {
		return err
	}
	defer closeInput()

	var upgraded, skipped, failed int
	for line := 1; ; line++ {
		record, err := rows.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "read csv line %d", line)
		}
		if len(record) < 2 {
			slog.Warn("malformed row, skipping", slog.Int("line", line))
			skipped++
			continue
		}

		username := strings.TrimSpace(record[0])
		coursewareID := strings.TrimSpace(record[1])
		if line == 1 && strings.EqualFold(username, "username") {
			continue // header row
		}

		userID, err := users.GetIDByUsername(ctx, username)
		if err != nil {
			if errors.Is(err, postgres.ErrUserNotFound) {
				slog.Warn("unknown user, skipping", slog.String("username", username), slog.Int("line", line))
				skipped++
				continue
			}
			return errors.Wrapf(err, "resolve user %s", username)
		}

		run, err := runs.GetByCoursewareID(ctx, coursewareID)
		if err != nil {
			slog.Warn("unknown course run, skipping",
				slog.String("courseware_id", coursewareID),
				slog.Int("line", line),
			)
			skipped++
			continue
		}

		if err := enrollments.UpgradeToVerified(ctx, userID, run.ID); err != nil {
			if errors.Is(err, enrollment.ErrNotFound) {
				slog.Warn("no enrollment to upgrade, skipping",
					slog.String("username", username),
					slog.String("courseware_id", coursewareID),
				)
				skipped++
				continue
			}
			slog.Error("upgrade failed",
				slog.String("username", username),
				slog.String("courseware_id", coursewareID),
				slog.String("error", err.Error()),
			)
			failed++
			continue
		}

		upgraded++
	}

	slog.Info("enrollment upgrade complete",
		slog.Int("upgraded", upgraded),
		slog.Int("skipped", skipped),
		slog.Int("failed", failed),
	)
	if failed > 0 {
		return errors.Errorf("%d upgrades failed", failed)
	}
	return nil
}

// openCSV opens a plain or gzip-compressed CSV file.
func openCSV(path string) (*csv.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", path)
	}

	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, nil, errors.Wrapf(err, "create gzip reader for %s", path)
		}
		return csv.NewReader(gz), func() {
			_ = gz.Close()
			_ = f.Close()
		}, nil
	}

	return csv.NewReader(f), func() { _ = f.Close() }, nil
}

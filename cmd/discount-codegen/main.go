// Command discount-codegen mints a batch of single-use bulk discount codes,
// writes them to the database, and optionally to a gzip-compressed codes
// file for distribution. Codes are deduplicated within the batch with a
// bloom filter before hitting the database's unique index.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/openlearn/commerce/internal/domain/discount"
	"github.com/openlearn/commerce/internal/storage/postgres"
)

const (
	codeAlphabet  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeRandLen   = 10
	bloomFPR      = 0.0001
	numGenerators = 4
	progressEvery = 1000
)

func main() {
	var (
		databaseURL    string
		prefix         string
		count          int
		discountType   string
		amount         string
		redemptionType string
		expiresDays    int
		outFile        string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&prefix, "prefix", "BULK", "code prefix, e.g. a campaign name")
	flag.IntVar(&count, "count", 100, "number of codes to generate")
	flag.StringVar(&discountType, "type", "percent-off", "discount type: percent-off, dollars-off, fixed-price")
	flag.StringVar(&amount, "amount", "100", "discount amount")
	flag.StringVar(&redemptionType, "redemption-type", "one-time", "redemption policy for each code")
	flag.IntVar(&expiresDays, "expires-days", 0, "days until expiration (0 = never)")
	flag.StringVar(&outFile, "out", "", "optional output file for generated codes (.gz compressed)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, prefix, count, discountType, amount, redemptionType, expiresDays, outFile); err != nil {
		slog.Error("code generation failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("code generation completed successfully")
}

func run(
	ctx context.Context,
	databaseURL, prefix string,
	count int,
	discountType, amount, redemptionType string,
	expiresDays int,
	outFile string,
) error {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return errors.Wrap(err, "parse amount")
	}

	var expiration *time.Time
	if expiresDays > 0 {
		t := time.Now().AddDate(0, 0, expiresDays)
		expiration = &t
	}

	slog.Info("generating codes",
		slog.String("prefix", prefix),
		slog.Int("count", count),
		slog.String("type", discountType),
	)

	codes, err := generateCodes(ctx, prefix, count)
	if err != nil {
		return errors.Wrap(err, "generate codes")
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	discounts := postgres.NewDiscountRepository(pool)
	for i, code := range codes {
		d := &discount.Discount{
			Code:           code,
			Type:           discount.Type(discountType),
			Amount:         amt,
			RedemptionType: discount.RedemptionType(redemptionType),
			ExpirationDate: expiration,
			IsBulk:         true,
		}
		if err := discounts.Save(ctx, d); err != nil {
			return errors.Wrapf(err, "save discount %s", code)
		}
		if (i+1)%progressEvery == 0 || i+1 == len(codes) {
			slog.Info("write progress", slog.Int("written", i+1), slog.Int("total", len(codes)))
		}
	}

	if outFile != "" {
		if err := writeCodesFile(outFile, codes); err != nil {
			return errors.Wrap(err, "write codes file")
		}
		slog.Info("wrote codes file", slog.String("path", outFile))
	}

	return nil
}

// generateCodes produces count unique codes. Generators run concurrently;
// the collector deduplicates with a bloom filter sized for the batch.
func generateCodes(ctx context.Context, prefix string, count int) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	candidates := make(chan string, numGenerators)
	g, ctx := errgroup.WithContext(ctx)
	for range numGenerators {
		g.Go(func() error {
			for {
				code, err := randomCode(prefix)
				if err != nil {
					return err
				}
				select {
				case candidates <- code:
				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	filter := bloom.NewWithEstimates(uint(count)*2, bloomFPR)
	codes := make([]string, 0, count)
	for len(codes) < count {
		select {
		case code := <-candidates:
			if filter.TestString(code) {
				continue
			}
			filter.AddString(code)
			codes = append(codes, code)
		case <-ctx.Done():
			return nil, g.Wait()
		}
	}

	cancel()
	return codes, g.Wait()
}

func randomCode(prefix string) (string, error) {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('-')
	for range codeRandLen {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", errors.Wrap(err, "read random")
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// writeCodesFile writes one code per line, gzip compressed.
func writeCodesFile(path string, codes []string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() { _ = f.Close() }()

	gz := pgzip.NewWriter(f)
	w := bufio.NewWriter(gz)
	for _, code := range codes {
		if _, err := fmt.Fprintln(w, code); err != nil {
			return errors.Wrap(err, "write code")
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flush codes")
	}
	if err := gz.Close(); err != nil {
		return errors.Wrap(err, "close gzip writer")
	}
	return f.Close()
}

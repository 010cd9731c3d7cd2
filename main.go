// into-firefly imports a YNAB4 budget into Firefly III: accounts,
// categories, budgets with their monthly limits, and every transaction,
// idempotently enough to be rerun after a crash or a partial failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	configDir = flag.String("conf", defaultConfigDir(),
		"Directory holding config.yaml, .env and the import cache.")
	registerPath = flag.String("register", "",
		"Path to the YNAB4 register export CSV.")
	budgetPath = flag.String("budget", "",
		"Path to the YNAB4 budget export CSV. Optional.")
	fromMonth = flag.String("from", "",
		"First month to import, YYYY-MM. Earlier history only seeds balances.")
	toMonth = flag.String("to", "",
		"Last month to import, YYYY-MM.")
	dryRun = flag.Bool("dry-run", false,
		"Report what would be done without touching the server or the cache.")
	workers = flag.Int("workers", 4,
		"How many accounts to import concurrently.")
	debug = flag.Bool("debug", false, "Verbose logging.")
)

func defaultConfigDir() string {
	home, _ := os.UserHomeDir()
	return path.Join(home, ".into-firefly")
}

func main() {
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	if *registerPath == "" {
		usage("Please specify the register export with -register")
		return
	}
	checkf(os.MkdirAll(*configDir, 0o755), "Unable to create config dir %v", *configDir)

	cfg, err := loadConfig(*configDir)
	checkf(err, "Unable to load config")

	from, to, err := monthBounds(*fromMonth, *toMonth)
	checkf(err, "Invalid -from/-to")

	rows, err := readRegister(*registerPath, cfg.DateFormat)
	checkf(err, "Unable to read register export")
	logger.Info().Int("rows", len(rows)).Str("file", *registerPath).Msg("register loaded")

	ctx := context.Background()
	cachePath := path.Join(*configDir, "into-firefly.db")

	var gw Gateway
	if *dryRun {
		// A dry run works on a throwaway copy of the cache so the
		// fabricated ids it resolves never contaminate a real run.
		cachePath, err = scratchCopy(cachePath)
		checkf(err, "Unable to stage dry-run cache")
		defer os.Remove(cachePath)
		gw = &dryRunGateway{log: logger}
		logger.Info().Msg("dry run, nothing will be written")
	} else {
		url, token, err := loadCredentials(*configDir)
		checkf(err, "Unable to load credentials")
		client := newFireflyClient(url, token, cfg.MaxRetries, logger)
		email, err := client.VerifyConnection(ctx)
		checkf(err, "Unable to reach Firefly III at %v", url)
		logger.Info().Str("url", url).Str("user", email).Msg("connected")
		gw = client
	}

	importCache, err := openCache(cachePath)
	checkf(err, "Unable to open import cache")
	defer importCache.Close()

	res := newResolver(importCache, gw, cfg, logger)

	if *budgetPath != "" {
		brows, err := readBudget(*budgetPath)
		checkf(err, "Unable to read budget export")
		allocs := buildAllocations(cfg, brows)
		checkf(applyAllocations(ctx, res, gw, allocs, logger),
			"Unable to sync budget allocations")
	}

	if sug := newSuggester(cfg, rows, logger); sug != nil {
		sug.Advise(cfg, rows)
	}

	r := newRunner(cfg, gw, importCache, res, logger)
	r.dryRun = *dryRun
	r.from, r.to = from, to
	r.workers = *workers
	r.runTag = "import-" + uuid.NewString()[:8]
	checkf(r.Prepare(rows), "Unable to prepare account streams")

	stats := r.Run(ctx)
	if !printRunSummary(stats) {
		os.Exit(1)
	}
}

// monthBounds turns YYYY-MM flags into an inclusive date window.
func monthBounds(from, to string) (time.Time, time.Time, error) {
	var lo, hi time.Time
	var err error
	if from != "" {
		if lo, err = time.Parse("2006-01", from); err != nil {
			return lo, hi, err
		}
	}
	if to != "" {
		if hi, err = time.Parse("2006-01", to); err != nil {
			return lo, hi, err
		}
		hi = hi.AddDate(0, 1, -1)
	}
	if !lo.IsZero() && !hi.IsZero() && hi.Before(lo) {
		return lo, hi, fmt.Errorf("-to %v is before -from %v", to, from)
	}
	return lo, hi, nil
}

// scratchCopy clones the cache file to a temp location, or hands out a
// fresh temp path when no cache exists yet.
func scratchCopy(src string) (string, error) {
	tmp, err := os.CreateTemp("", "into-firefly-dry-*.db")
	if err != nil {
		return "", err
	}
	defer tmp.Close()
	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return tmp.Name(), nil
	}
	if err != nil {
		return "", err
	}
	defer in.Close()
	if _, err := io.Copy(tmp, in); err != nil {
		return "", err
	}
	return tmp.Name(), nil
}

// Command zepid estimates the marginal causal effect of a binary exposure
// on a binary outcome with TMLE or AIPTW, and computes inverse
// probability of treatment weights with their diagnostics.
//
// Usage:
//
//	zepid -config analysis.yaml [-data file.csv] [-out report.xlsx]
//
// Every configuration value can be overridden by an environment
// variable, e.g. ZEPID_MODEL_MEASURE=risk_ratio.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
)

func main() {

	configPath := flag.String("config", "", "YAML configuration file")
	dataPath := flag.String("data", "", "data file, overrides the configuration")
	outPath := flag.String("out", "", "XLSX report file, overrides the configuration")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, *configPath, *dataPath, *outPath, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "zepid: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, dataPath, outPath string, stdout, stderr io.Writer) error {

	cfg, err := LoadConfig(configPath, func(c *Config) {
		if dataPath != "" {
			c.Data.Path = dataPath
		}
		if outPath != "" {
			c.Output = outPath
		}
	})
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging, stderr)
	if err != nil {
		return err
	}

	ds, err := loadData(cfg.Data.Path, cfg.Data.Sheet)
	if err != nil {
		return err
	}
	logger.Info("loaded data", "path", cfg.Data.Path, "rows", ds.NumObs(), "columns", ds.NumVar())

	results, err := runAll(ctx, cfg, ds, logger)
	if err != nil {
		return err
	}

	if err := printSummaries(stdout, results); err != nil {
		return err
	}

	if cfg.Output != "" {
		if err := writeReport(cfg.Output, results); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		logger.Info("wrote report", "path", cfg.Output)
	}

	return nil
}

func newLogger(lc LoggingConfig, w io.Writer) (*slog.Logger, error) {

	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(lc.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
}

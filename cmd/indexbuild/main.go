// Command indexbuild distills the provider's raw instrument catalog into the
// compact index the terminal loads at startup.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/fno_scope/internal/config"
	"github.com/eddiefleurent/fno_scope/internal/instruments"
)

func main() {
	var (
		configPath  string
		catalogPath string
		outPath     string
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&catalogPath, "catalog", "data/complete.json.gz", "Raw instrument catalog (.json, .json.gz or .json.zst)")
	flag.StringVar(&outPath, "out", "", "Output path (defaults to index.path from config)")
	flag.Parse()

	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if outPath == "" {
		outPath = cfg.Index.Path
	}

	r, err := instruments.OpenCatalog(catalogPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open catalog")
	}
	defer func() {
		_ = r.Close()
	}()

	bar := progressBar()
	start := time.Now()
	idx, stats, err := instruments.Build(r, instruments.BuildOptions{
		SymbolMap:        cfg.Catalog.Symbols,
		IndexUnderlyings: cfg.Catalog.IndexUnderlyings,
		Location:         cfg.Location(),
		OnProgress: func(rows int) {
			if rows%1000 == 0 {
				_ = bar.Add(1000)
			}
		},
	})
	_ = bar.Finish()
	if err != nil {
		logger.WithError(err).Fatal("Failed to build instrument index")
	}

	if err := instruments.WriteFile(idx, outPath); err != nil {
		logger.WithError(err).Fatal("Failed to write instrument index")
	}

	logger.WithFields(logrus.Fields{
		"rows":     stats.Rows,
		"matched":  stats.Matched,
		"symbols":  stats.Symbols,
		"output":   outPath,
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}).Info("Instrument index written")
}

// progressBar renders a spinner-style counter; the catalog length is unknown
// while streaming.
func progressBar() *progressbar.ProgressBar {
	return progressbar.NewOptions(
		-1,
		progressbar.OptionSetDescription("catalog rows"),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetVisibility(true),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionSetWriter(os.Stderr),
	)
}

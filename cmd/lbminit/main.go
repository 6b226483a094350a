package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"lbminit/internal/logging"
	"lbminit/internal/models"
	"lbminit/pkg/config"
	"lbminit/pkg/loader"
	"lbminit/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "lbminit.yaml", "Path to the YAML configuration file")
	writeConfig := flag.Bool("write-config", false, "Write a default configuration to -config and exit")
	inputDir := flag.String("input", "", "Directory containing the raw recording files (overrides config)")
	summaryDir := flag.String("summary", "", "Existing directory to write the summary to (overrides config)")
	nFiles := flag.Int("n-files", 0, "Number of files used for initialization (overrides config)")
	engineName := flag.String("engine", "", "Registration engine (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn or error (overrides config)")
	previews := flag.Bool("previews", false, "Save PNG previews of the mean and reference planes")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Apply command line overrides
	if *inputDir != "" {
		cfg.Job.InputDir = *inputDir
	}
	if *summaryDir != "" {
		cfg.Job.SummaryDir = *summaryDir
	}
	if *nFiles > 0 {
		cfg.Init.NInitFiles = *nFiles
	}
	if *engineName != "" {
		cfg.Output.Engine = *engineName
	}
	if *logLevel != "" {
		cfg.Output.LogLevel = *logLevel
	}
	if *previews {
		cfg.Output.SavePreviews = true
	}

	level, err := logging.ParseLevel(cfg.Output.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	log := logging.NewConsole(level)

	if cfg.Job.InputDir == "" || cfg.Job.SummaryDir == "" {
		flag.Usage()
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	engine, err := newEngine(cfg.Output.Engine, cfg.Reference)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot create registration engine")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver := pipeline.NewDriver(cfg, loader.NewMosaicTIFF(cfg.Loader, logging.Stage(log, "loader")), engine, log)
	s, err := driver.Run(ctx)
	if err != nil {
		var missing *models.MissingDirectoryError
		var insufficient *models.InsufficientDataError
		switch {
		case errors.As(err, &missing):
			log.Error().Str("path", missing.Path).Msg("Create the summary directory before running")
		case errors.As(err, &insufficient):
			log.Error().Str("what", insufficient.What).
				Int("requested", insufficient.Requested).
				Int("available", insufficient.Available).
				Msg("Not enough data to initialize")
		}
		log.Fatal().Err(err).Msg("Initialization failed")
	}

	log.Info().
		Int("planes", s.Reference.NZ).
		Int("frames", s.NumFrames).
		Int("fuse_shift", s.FuseShift).
		Int("xpad", s.Padding.X).
		Int("ypad", s.Padding.Y).
		Msg("Reference ready")
	for _, w := range s.Warnings {
		log.Warn().Str("kind", string(w.Kind)).Msg(w.Message)
	}
}

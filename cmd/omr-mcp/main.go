package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/optimark/omr-engine/internal/config"
	"github.com/optimark/omr-engine/internal/jobs"
	"github.com/optimark/omr-engine/internal/layout"
	"github.com/optimark/omr-engine/internal/ocr"
	"github.com/optimark/omr-engine/internal/pipeline"
	"github.com/optimark/omr-engine/internal/server"
	"github.com/optimark/omr-engine/internal/store"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func usage() {
	fmt.Println("omr-mcp - OMR sheet recognition and scoring over MCP")
	fmt.Println()
	fmt.Println("Usage: omr-mcp [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --worker         Run the scan worker pool only, without the MCP server")
	fmt.Println("  --drain          Process every queued scan job once, then exit")
	fmt.Println("  --version, -v    Print version information")
	fmt.Println("  --help, -h       Print this help message")
	fmt.Println()
	fmt.Println("Environment variables (or config/.env.<OMR_ENV>):")
	fmt.Println("  OMR_ENV=dev|test|qa|prod      Selects the dotenv file (default dev)")
	fmt.Println("  OMR_LOG_LEVEL=debug           Enable debug logging")
	fmt.Println("  OMR_DATABASE_PATH=omr.db      SQLite database")
	fmt.Println("  OMR_SOURCE_DIR=.              Root of job source file keys")
	fmt.Println("  OMR_WORKERS=2                 Scan workers (0 disables the pool)")
	fmt.Println("  OMR_MAX_ATTEMPTS=3            Attempts per scan job")
	fmt.Println("  OMR_OCR_ENABLED=false         Read handwritten roll numbers with Tesseract")
	fmt.Println()
	fmt.Println("The server communicates via MCP protocol over stdin/stdout.")
}

func main() {
	workerOnly, drainOnly := false, false
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v", "version":
			fmt.Printf("omr-mcp %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
			return
		case "--help", "-h", "help":
			usage()
			return
		case "--worker":
			workerOnly = true
		case "--drain":
			drainOnly = true
		default:
			fmt.Fprintf(os.Stderr, "unknown option %q\n", os.Args[1])
			os.Exit(2)
		}
	}

	// Configure logging to stderr (stdout is for MCP protocol)
	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("Working directory: %v", err)
	}
	cfg, err := config.Load(wd)
	if err != nil {
		log.Fatalf("Configuration: %v", err)
	}

	// Per-scan detail is only logged at debug level.
	logger := log.New(io.Discard, "", 0)
	if cfg.Debug() {
		logger = log.Default()
		log.Printf("OMR MCP Server v%s (built %s, commit %s), env %s", Version, BuildTime, GitCommit, cfg.Env)
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Store: %v", err)
	}
	defer db.Close()

	var roll pipeline.RollReader
	if cfg.OCREnabled {
		roll = ocr.NewReader(cfg.OCR)
		if cfg.Debug() {
			log.Printf("Handwritten roll numbers enabled (%s)", ocr.Version())
		}
	}

	templates := layout.NewDefaultRegistry()
	engine := pipeline.New(cfg.Pipeline, roll, logger)
	source := jobs.DirSource{Root: cfg.SourceDir}
	svc := jobs.NewService(db, templates, cfg.MaxAttempts, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := jobs.NewPool(jobs.PoolConfig{
		Repo:         db,
		Source:       source,
		Scanner:      engine,
		Templates:    templates,
		Logger:       log.Default(),
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		StaleAfter:   cfg.StaleAfter,
	})

	if drainOnly {
		n, err := pool.Drain(ctx)
		log.Printf("Drained %d scan jobs", n)
		if err != nil {
			log.Fatalf("Drain: %v", err)
		}
		return
	}
	if workerOnly {
		if cfg.Workers == 0 {
			log.Fatal("Worker mode needs OMR_WORKERS > 0")
		}
		pool.Run(ctx)
		return
	}

	poolDone := make(chan struct{})
	if cfg.Workers > 0 {
		go func() {
			defer close(poolDone)
			pool.Run(ctx)
		}()
	} else {
		close(poolDone)
	}

	srv := server.New(server.Config{
		Templates: templates,
		Jobs:      svc,
		Engine:    engine,
		Source:    source,
		Wallet:    db,
		Logger:    logger,
	})
	err = srv.Run(ctx)
	// Stdin closed: let running scans reach a stage boundary.
	stop()
	<-poolDone
	if err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

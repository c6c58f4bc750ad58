// Package cmd provides CLI commands for docpipe.
//
// Commands:
//   - serve: HTTP API server with the maintenance scheduler (and an
//     embedded worker on the memory queue driver)
//   - worker: standalone queue worker against the shared Postgres queue
//   - scan: one synchronous uploads-directory scan
//   - cleanup: one synchronous artifact sweep
//
// Signal handling and graceful shutdown are implemented for all
// commands via context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/univy/docpipe/internal/log"
)

// Execute is the main entry point for the docpipe CLI.
func Execute() error {
	// The process logger is decided here, before any command runs.
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.New(log.Config{
		Level: level,
		JSON:  os.Getenv("DOCPIPE_LOG_JSON") != "",
	}))

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe(os.Args[2:])
	case "worker":
		return runWorker()
	case "scan":
		return runScan()
	case "cleanup":
		return runCleanup(os.Args[2:])
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

func runHelp() {
	fmt.Println("docpipe - asynchronous document ingestion pipeline")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  docpipe serve [addr]          Start the HTTP API server (default addr: from config)")
	fmt.Println("  docpipe worker                Start a standalone queue worker")
	fmt.Println("  docpipe scan                  Scan the uploads directory once and wait")
	fmt.Println("  docpipe cleanup [--max-age d] Sweep expired artifacts once and wait")
	fmt.Println("  docpipe version               Show version information")
	fmt.Println("  docpipe help                  Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  DATABASE_URL          PostgreSQL URL (overrides the postgres_* config keys)")
	fmt.Println("  DOCPIPE_QUEUE_DRIVER  \"postgres\" (default) or \"memory\"")
	fmt.Println("  DOCPIPE_ENGINE_URL    Retrieval engine endpoint (optional)")
	fmt.Println("  DOCPIPE_LOG_JSON      Log JSON instead of text")
	fmt.Println("  DEBUG                 Enable debug logging")
	fmt.Println()
	fmt.Println("Configuration file: ~/.docpipe/config.yaml")
}

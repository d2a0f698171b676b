package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/labshot/labshot/am"
	"github.com/labshot/labshot/analysis"
	"github.com/labshot/labshot/bus"
	"github.com/labshot/labshot/capture"
	"github.com/labshot/labshot/label"
	"github.com/labshot/labshot/pipeline"
	"github.com/labshot/labshot/record"
	"github.com/labshot/labshot/server"
)

// ServeCmd runs the labshot daemon.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the labshot daemon",
	Long: `Run the labshot daemon: pipeline workers plus the HTTP JSON API and
the websocket event stream.

The daemon watches its config file and applies changes without a restart.
Stop with Ctrl-C; in-flight jobs are re-queued and resume on the next start.

Examples:
  labshot serve                 # Listen on the configured port (default 8720)
  labshot serve --port 9000     # Override the listen port`,
	RunE: runServe,
}

var servePort int

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	store, err := loadStore(cmd)
	if err != nil {
		return err
	}
	log := cliLogger("labshot")

	watcher, err := am.Watch(store)
	if err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}
	defer watcher.Close()

	database, err := openDatabase(store, log)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := bus.New()
	captureSvc := capture.NewService(store, log)
	engine := analysis.NewEngine(store, log)
	labels := label.NewGenerator(store, database, log)

	cfg := store.Config()
	records := record.NewClient(store, log)
	createLog := record.NewCreateLog(database)
	registrar := pipeline.NewRecordRegistrar(records, createLog, store, log)

	pool := pipeline.NewWorkerPool(ctx, database, store, events, engine, registrar, labels, log)

	srv, err := server.New(ctx, server.Deps{
		Store:   store,
		DB:      database,
		Events:  events,
		Capture: captureSvc,
		Engine:  engine,
		Records: records,
		Labels:  labels,
		Pool:    pool,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	port := am.DefaultServerPort
	if cfg.Server.Port != nil {
		port = *cfg.Server.Port
	}
	if servePort != 0 {
		port = servePort
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(port)
	}()

	pterm.Success.Printf("labshot listening on :%d\n", port)
	pterm.Info.Printf("Config: %s\n", store.Path())
	pterm.Info.Printf("Database: %s\n", cfg.Storage.DatabasePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		pterm.Println()
		pterm.Info.Printf("Received %s, shutting down\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	srv.Stop()
	pterm.Success.Println("Shutdown complete")
	return nil
}

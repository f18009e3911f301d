// Command poolcoordinator runs THE CORE: an embedded message bus, the Task
// Store and Agent Registry, the Verification Engine and Recovery Manager,
// and the Pool Coordinator that wires them together, plus a read-only
// operator HTTP/WS surface. Ported from cmd/cliaimonitor/main.go's
// instance-startup skeleton, trimmed of the WezTerm/Windows-Terminal
// instance-conflict handling that doesn't apply to a headless coordinator.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CLIAIMONITOR/internal/bus"
	"github.com/CLIAIMONITOR/internal/config"
	"github.com/CLIAIMONITOR/internal/coordinator"
	"github.com/CLIAIMONITOR/internal/escalation"
	"github.com/CLIAIMONITOR/internal/opsapi"
	"github.com/CLIAIMONITOR/internal/recovery"
	"github.com/CLIAIMONITOR/internal/registry"
	"github.com/CLIAIMONITOR/internal/store"
	"github.com/CLIAIMONITOR/internal/verify"

	_ "modernc.org/sqlite"
)

func main() {
	busPort := flag.Int("bus-port", 4222, "embedded message bus port")
	busDataDir := flag.String("bus-data-dir", "data/bus", "JetStream storage directory for the embedded message bus")
	httpAddr := flag.String("http-addr", ":8090", "operator HTTP/WS surface address")
	storeDBPath := flag.String("store-db", "data/tasks.db", "Task Store SQLite database path")
	queueDBPath := flag.String("queue-db", "data/queue.db", "durable queue SQLite database path")
	profilesPath := flag.String("profiles", "", "optional agent capability profiles YAML file")
	flag.Parse()

	cfg := config.Load()

	if *profilesPath != "" {
		if _, err := config.LoadProfiles(*profilesPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load agent profiles: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Loaded agent profiles from %s\n", *profilesPath)
	}

	storeDB, err := openDB(*storeDBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open task store: %v\n", err)
		os.Exit(1)
	}
	defer storeDB.Close()

	queueDB, err := openDB(*queueDBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open durable queue: %v\n", err)
		os.Exit(1)
	}
	defer queueDB.Close()

	taskStore := store.New(storeDB)
	if err := taskStore.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize task store: %v\n", err)
		os.Exit(1)
	}

	queue := bus.NewQueue(queueDB)
	if err := queue.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize durable queue: %v\n", err)
		os.Exit(1)
	}

	busServer, err := bus.NewEmbeddedServer(bus.EmbeddedServerConfig{Port: *busPort, JetStream: true, DataDir: *busDataDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure message bus: %v\n", err)
		os.Exit(1)
	}
	if err := busServer.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start message bus: %v\n", err)
		os.Exit(1)
	}
	defer busServer.Shutdown()
	fmt.Printf("Message bus listening on %s\n", busServer.URL())

	reg := registry.New(cfg.MaxAgents)
	verifyEngine := verify.New()

	var persist recovery.Persister
	if cfg.RecoveryPersistAttempts {
		persist = taskStore
	}
	recoveryMgr := recovery.New(persist).WithMaxAttempts(cfg.MaxAttempts)
	if cfg.RecoveryPersistAttempts {
		active, err := taskStore.ListActive()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list active tasks for attempt rehydration: %v\n", err)
			os.Exit(1)
		}
		for _, t := range active {
			if err := recoveryMgr.Rehydrate(t.ID); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to rehydrate attempts for %s: %v\n", t.ID, err)
			}
		}
	}

	coord := coordinator.New(reg, taskStore, queue, verifyEngine, recoveryMgr, cfg)

	notifier := escalation.New("poolcoordinator")
	coord.SetHandlers(coordinator.Handlers{
		OnEscalation: notifier.Notify,
	})

	if err := coord.Start(busServer.URL()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start coordinator: %v\n", err)
		os.Exit(1)
	}
	defer coord.Stop()
	fmt.Println("Pool coordinator started")

	ops := opsapi.New(coord, *httpAddr)
	opsErr := make(chan error, 1)
	go func() { opsErr <- ops.ListenAndServe() }()
	fmt.Printf("Operator surface listening on %s\n", *httpAddr)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-opsErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Operator surface error: %v\n", err)
		}
	case <-shutdown:
		fmt.Println("Shutting down (signal received)...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Operator surface shutdown error: %v\n", err)
	}
}

func openDB(path string) (*sql.DB, error) {
	return sql.Open("sqlite", fmt.Sprintf("%s?_pragma=busy_timeout(5000)", path))
}

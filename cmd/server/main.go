/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the quote engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment configuration (.env honored)
  2. Parse command-line flags (flags win over environment)
  3. Open SQLite store, degrading to in-memory on failure
  4. Wire ledger, gate, and API handler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080 or $PORT)
  -db      SQLite database path (default: quotes.db or $DB_PATH)
           Use ":memory:" for an in-memory database

DEGRADED MODE:
  An unopenable database is a warning, not a fatal error: the server
  comes up on the in-memory store so the user can keep quoting, and the
  health endpoint reports backend "memory".

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

SEE ALSO:
  - config/config.go: Environment configuration
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/quote-engine/api"
	"github.com/warp/quote-engine/config"
	"github.com/warp/quote-engine/core"
	memstore "github.com/warp/quote-engine/core/store"
	"github.com/warp/quote-engine/store/sqlite"
)

func main() {
	cfg := config.Load()

	// Flags override environment
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	// Initialize store, degrading to memory when the database is unusable
	var store core.TxStore
	backend := "sqlite"
	sqlStore, err := sqlite.New(*dbPath)
	if err != nil {
		log.Printf("Warning: database unavailable, using in-memory store: %v", err)
		store = memstore.NewMemory()
		backend = "memory"
	} else {
		store = sqlStore
		defer sqlStore.Close()
	}

	// Wire domain services
	ledger := core.NewUsageLedger(store)
	gate := core.NewGate(ledger, core.ChargePolicy(cfg.ChargePolicy))
	identity := core.StaticIdentity(cfg.DefaultUser)

	handler := api.NewHandler(store, gate, identity, cfg.DefaultUser, backend)
	router := api.NewRouter(handler, cfg.AllowedOrigins)

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%s (backend: %s, policy: %s)", *port, backend, gate.Policy())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

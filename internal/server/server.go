// Package server provides the HTTP API and lifecycle management for the
// Reverie daemon: record save/get/query, repair, checkpoint inspection and
// rollback, and a websocket activity feed.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/solastral/reverie/internal/checkpoint"
	"github.com/solastral/reverie/internal/config"
	"github.com/solastral/reverie/internal/memory"
	"github.com/solastral/reverie/pkg/types"
)

// Deps are the wired subsystems the server exposes.
type Deps struct {
	Memory      *memory.Manager
	Checkpoints *checkpoint.Engine

	// DB enables settings persistence through /api/config/user. May be nil.
	DB *sql.DB
}

// Start initializes and starts the HTTP server. Returns the actual address
// being listened on (useful for testing with port 0) and the ActivityHub.
// The server shuts down when ctx is cancelled.
func Start(ctx context.Context, cfg *config.Config, deps Deps) (string, *ActivityHub, error) {
	if deps.Memory == nil || deps.Checkpoints == nil {
		return "", nil, fmt.Errorf("server: memory manager and checkpoint engine are required")
	}

	mux := http.NewServeMux()

	hub := NewActivityHub([]string{
		fmt.Sprintf("localhost:%d", cfg.Server.Port),
		fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
	})
	go hub.Run()

	// Manager events feed the activity stream.
	deps.Memory.SetOnRecordSaved(func(record *types.MemoryRecord) {
		hub.Broadcast(ActivityEvent{Type: EventRecordSaved, RecordID: record.ID, Detail: string(record.Type)})
	})
	deps.Memory.SetOnRecordDeleted(func(recordID string) {
		hub.Broadcast(ActivityEvent{Type: EventRecordDeleted, RecordID: recordID})
	})
	deps.Memory.SetOnIndexStarted(func(recordID string) {
		hub.Broadcast(ActivityEvent{Type: EventIndexStarted, RecordID: recordID})
	})
	deps.Memory.SetOnIndexComplete(func(recordID string) {
		hub.Broadcast(ActivityEvent{Type: EventIndexComplete, RecordID: recordID})
	})

	rateLimiter := NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	api := newAPIHandlers(deps.Memory, deps.Checkpoints, cfg, deps.DB, hub)

	// API routes (token auth when configured)
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/records", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			api.CreateRecord(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			api.GetRecord(w, r)
		case http.MethodPut:
			api.UpdateRecord(w, r)
		case http.MethodDelete:
			api.DeleteRecord(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.QueryRecords(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/repair", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			api.RunRepair(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/checkpoints", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.ListCheckpoints(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/checkpoints/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.GetCheckpoint(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/checkpoints/{id}/rollback", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			api.RollbackCheckpoint(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/config/user", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			api.GetUserConfig(w, r)
		case http.MethodPost:
			api.PostUserConfig(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// Health endpoint - no auth required, used by monitoring
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	// Wrap API routes with auth middleware
	mux.Handle("/api/", RequireAuth(apiMux, cfg))

	// Websocket activity feed (origin validation handles security)
	mux.Handle("/ws/activity", hub)

	// Wrap entire server with rate limiting, then security headers
	handler := RateLimitMiddleware(mux, rateLimiter)
	handler = securityHeadersMiddleware(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		hub.Stop()
		return "", nil, fmt.Errorf("server: failed to listen on %s: %w", addr, err)
	}

	actualAddr := listener.Addr().String()
	log.Printf("server: listening on %s", actualAddr)

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	// Graceful shutdown on context cancellation
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown error: %v", err)
		}
		hub.Stop()
	}()

	return actualAddr, hub, nil
}

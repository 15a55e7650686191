// Package server exposes the ledger over HTTP.
//
// It serves the two record collections as a JSON API, stores receipt uploads,
// triggers git synchronization on demand and pushes live events (record
// changes, finished sync runs) to websocket clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mschirtzinger/ledger/internal/gitsync"
	"github.com/mschirtzinger/ledger/internal/history"
	"github.com/mschirtzinger/ledger/internal/ledger"
)

// Syncer runs git synchronization; *gitsync.Engine implements it
type Syncer interface {
	Run(ctx context.Context, targets []gitsync.Target, opts ...gitsync.RunOption) ([]gitsync.Outcome, error)
}

// HistoryReader lists past sync runs; *history.DB implements it
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Run, error)
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":5000")
	Addr string

	// Income and Expenses are the record collections (required)
	Income   *ledger.Store
	Expenses *ledger.Store

	// ReceiptsDir stores uploaded receipts (required)
	ReceiptsDir string

	// WebDir optionally holds finance.html, served at /
	WebDir string

	// MaxUploadBytes caps request bodies for uploads (default: 10 MiB)
	MaxUploadBytes int64

	// Sync and Targets enable POST /api/sync
	Sync    Syncer
	Targets []gitsync.Target

	// History enables GET /api/sync/history
	History HistoryReader

	// RequestTimeout bounds API handlers (default: 60s)
	RequestTimeout time.Duration

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults; the stores and receipts dir must still be set
func DefaultConfig() *Config {
	return &Config{
		Addr:           ":5000",
		MaxUploadBytes: 10 << 20,
		RequestTimeout: 60 * time.Second,
		Logger:         log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// collection pairs a store with the mutex serializing its read-modify-write cycles
type collection struct {
	mu    sync.Mutex
	store *ledger.Store
}

// Server is the ledger HTTP server
type Server struct {
	config   *Config
	income   *collection
	expenses *collection
	hub      *Hub
	router   chi.Router

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup

	logger *log.Logger
}

// New creates a server and starts its websocket hub. Call Stop to release it.
func New(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = defaults.MaxUploadBytes
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Income == nil || config.Expenses == nil {
		return nil, errors.New("income and expenses stores are required")
	}
	if config.ReceiptsDir == "" {
		return nil, errors.New("receipts directory is required")
	}

	s := &Server{
		config:   config,
		income:   &collection{store: config.Income},
		expenses: &collection{store: config.Expenses},
		logger:   config.Logger,
	}
	s.hub = newHub(config.Logger)
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/receipts/{filename}", s.handleGetReceipt)
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.hub.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.config.RequestTimeout))

			r.Get("/data", s.handleData)
			r.Get("/summary", s.handleSummary)

			r.Route("/income", func(r chi.Router) {
				r.Get("/", s.handleList(s.income))
				r.Post("/", s.handleUpsert(s.income))
				r.Delete("/{id}", s.handleDelete(s.income))
			})
			r.Route("/expenses", func(r chi.Router) {
				r.Get("/", s.handleList(s.expenses))
				r.Post("/", s.handleUpsert(s.expenses))
				r.Delete("/{id}", s.handleDelete(s.expenses))
			})

			r.Post("/upload_receipt", s.handleUploadReceipt)
			r.Get("/sync/history", s.handleSyncHistory)
		})

		// A run spans several git calls, each with its own timeout
		r.Post("/sync", s.handleSync)
	})

	return r
}

// Handler returns the router, for use with httptest or a custom http.Server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub; register it as a gitsync.Observer to publish sync events
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Ledger server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop disconnects websocket clients and gracefully shuts the server down
func (s *Server) Stop() error {
	s.hub.close()

	if s.server == nil {
		return nil
	}

	s.logger.Println("Stopping ledger server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()

	s.logger.Println("Ledger server stopped")
	return nil
}

// Addr returns the listening address once started, else the configured one
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.config.WebDir != "" {
		page := filepath.Join(s.config.WebDir, "finance.html")
		if _, err := os.Stat(page); err == nil {
			http.ServeFile(w, r, page)
			return
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, indexPage)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

const indexPage = `<!DOCTYPE html>
<html>
<head>
    <title>Ledger</title>
</head>
<body>
    <h1>Ledger</h1>
    <ul>
        <li><a href="/api/income">/api/income</a></li>
        <li><a href="/api/expenses">/api/expenses</a></li>
        <li><a href="/api/summary">/api/summary</a></li>
        <li><a href="/api/sync/history">/api/sync/history</a></li>
        <li><a href="/health">/health</a></li>
    </ul>
    <p>Live events: <code>/ws</code></p>
</body>
</html>
`

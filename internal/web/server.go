package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitos/copytrade/internal/domain"
	"github.com/vitos/copytrade/internal/usecase"
	"go.uber.org/zap"
)

// AccountsView is what the status endpoints need from the supervisor.
type AccountsView interface {
	Status() []usecase.WorkerStatus
	Positions(accountKey string) ([]domain.Position, bool)
	SetForcedUnwind(accountKey string, on bool) error
}

// IntentSink accepts entries from an upstream strategy engine.
type IntentSink interface {
	Push(accountKey string, intent domain.EntryIntent) error
}

type Server struct {
	router   *http.ServeMux
	server   *http.Server
	accounts AccountsView
	intents  IntentSink
	journal  domain.JournalRepository
	logger   *zap.Logger
	started  time.Time
}

func NewServer(
	port int,
	accounts AccountsView,
	intents IntentSink,
	journal domain.JournalRepository,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:   http.NewServeMux(),
		accounts: accounts,
		intents:  intents,
		journal:  journal,
		logger:   logger,
		started:  time.Now(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /healthz", s.handleHealth)
	s.router.Handle("GET /metrics", promhttp.Handler())

	// Accounts
	s.router.HandleFunc("GET /status", s.handleStatus)
	s.router.HandleFunc("GET /api/accounts/{account}/positions", s.handlePositions)
	s.router.HandleFunc("POST /api/accounts/{account}/unwind", s.handleUnwind)

	// Strategy input
	s.router.HandleFunc("POST /api/entries", s.handleEntry)

	// Journal
	s.router.HandleFunc("GET /api/fills", s.handleFills)
	s.router.HandleFunc("GET /api/events", s.handleEvents)
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

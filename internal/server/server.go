// Package server exposes verification and anchor inspection over HTTP.
//
//	POST /api/verify            {"hash": "..."} or multipart "file"
//	GET  /api/anchors           ?limit=&offset=&kind=
//	GET  /api/anchors/latest    ?kind=batch
//	GET  /api/anchors/pending   ?all=true
//	GET  /api/runs/latest       last scheduler report
//	GET  /api/runs/ws           live feed of scheduler reports
//	GET  /health
//
// Verification answers 200 when the hash is anchored, 404 when it is not
// (possible tampering) and 503 when the store could not be consulted.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carevault/auditanchor/internal/anchor"
	"github.com/carevault/auditanchor/internal/verify"
)

// ReportSource supplies the most recent persisted run report.
type ReportSource interface {
	Latest() (anchor.Report, error)
}

// Pinger is implemented by stores that can check connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options holds the dependencies injected into the server.
type Options struct {
	Anchors        anchor.Store
	Verifier       *verify.Service
	Reports        ReportSource // optional
	Health         Pinger       // optional
	MaxUploadBytes int64
	Logger         zerolog.Logger
}

// Server is the HTTP API.
type Server struct {
	echo     *echo.Echo
	anchors  anchor.Store
	verifier *verify.Service
	reports  ReportSource
	health   Pinger
	maxBytes int64
	hub      *wsHub

	mu         sync.RWMutex
	lastReport *anchor.Report
}

// New builds the server and starts its websocket hub. Call Close to stop
// the hub.
func New(opts Options) *Server {
	s := &Server{
		echo:     echo.New(),
		anchors:  opts.Anchors,
		verifier: opts.Verifier,
		reports:  opts.Reports,
		health:   opts.Health,
		maxBytes: opts.MaxUploadBytes,
		hub:      newWSHub(),
	}
	if s.maxBytes <= 0 {
		s.maxBytes = 50 << 20
	}
	if s.verifier == nil {
		s.verifier = verify.New(opts.Anchors)
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(Recovery(opts.Logger))
	e.Use(RequestID())
	e.Use(Logger(opts.Logger))

	e.GET("/health", s.handleHealth)

	api := e.Group("/api")
	api.POST("/verify", s.handleVerify)
	api.GET("/anchors", s.handleListAnchors)
	api.GET("/anchors/latest", s.handleLatestAnchor)
	api.GET("/anchors/pending", s.handlePending)
	api.GET("/runs/latest", s.handleLatestRun)
	api.GET("/runs/ws", s.handleRunFeed)

	go s.hub.run()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Broadcast records rep as the latest run and pushes it to websocket
// clients. Pass it as the scheduler's OnReport.
func (s *Server) Broadcast(rep anchor.Report) {
	s.mu.Lock()
	s.lastReport = &rep
	s.mu.Unlock()

	data, err := json.Marshal(rep)
	if err != nil {
		slog.Error("failed to marshal run report", "error", err)
		return
	}
	s.hub.broadcast(data)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down api server: %w", err)
	}
	return nil
}

// Close stops the websocket hub and disconnects feed clients.
func (s *Server) Close() {
	s.hub.stop()
}

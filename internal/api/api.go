// Package api implements the backend HTTP API: demo session provisioning and
// the admin routes for agents, knowledge documents, training and profile
// generation.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/chadiek/live-demo/internal/blob"
	"github.com/chadiek/live-demo/internal/enrich"
	"github.com/chadiek/live-demo/internal/log"
	"github.com/chadiek/live-demo/internal/store"
)

// Enricher is the content enrichment service.
type Enricher interface {
	Generate(ctx context.Context, r enrich.GenerateRequest) (string, error)
	Train(ctx context.Context, a store.Agent, docs []store.Document) (enrich.TrainResult, error)
	Extract(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// Endpoints tells callers where each transport binding's agent listens.
type Endpoints struct {
	RTC        string
	Socket     string
	ICEServers string
}

type Options struct {
	Store     *store.Store
	Enrich    Enricher
	Blobs     blob.Store
	Endpoints Endpoints
	// SessionTTL bounds how long a connection token stays usable.
	SessionTTL time.Duration
	// MaxUpload caps document uploads in bytes.
	MaxUpload int64
}

type Handlers struct {
	store     *store.Store
	enrich    Enricher
	blobs     blob.Store
	endpoints Endpoints
	ttl       time.Duration
	maxUpload int64
	log       zerolog.Logger

	now func() time.Time

	// background provisioning
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandlers builds the HTTP handlers from opts.
func NewHandlers(opts Options) *Handlers {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = time.Hour
	}
	if opts.MaxUpload <= 0 {
		opts.MaxUpload = 10 << 20
	}
	if opts.Blobs == nil {
		opts.Blobs = blob.NewMemory()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handlers{
		store:     opts.Store,
		enrich:    opts.Enrich,
		blobs:     opts.Blobs,
		endpoints: opts.Endpoints,
		ttl:       opts.SessionTTL,
		maxUpload: opts.MaxUpload,
		log:       log.WithComponent("api"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close stops background provisioning and waits for it.
func (h *Handlers) Close() {
	h.cancel()
	h.wg.Wait()
}

// Register mounts every API route on e.
func (h *Handlers) Register(e *echo.Echo) {
	g := e.Group("/api")

	g.POST("/sessions/start", h.startSession)
	g.GET("/sessions/:id/status", h.sessionStatus)
	g.POST("/sessions/:id/end", h.endSession)
	g.GET("/sessions/:id", h.getSession)

	g.GET("/agents", h.listAgents)
	g.POST("/agents", h.createAgent)
	g.GET("/agents/:id", h.getAgent)
	g.PUT("/agents/:id", h.updateAgent)
	g.DELETE("/agents/:id", h.deleteAgent)
	g.GET("/agents/:id/knowledge", h.listKnowledge)
	g.POST("/agents/:id/knowledge", h.attachKnowledge)
	g.DELETE("/agents/:id/knowledge", h.detachKnowledge)
	g.POST("/agents/:id/train", h.trainAgent)

	g.GET("/documents", h.listDocuments)
	g.POST("/documents", h.createDocument)
	g.GET("/documents/:id", h.getDocument)
	g.DELETE("/documents/:id", h.deleteDocument)

	g.POST("/generate", h.generate)
}

// httpError maps domain errors onto status codes.
func httpError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, enrich.ErrNoKnowledge):
		return echo.NewHTTPError(http.StatusBadRequest, "no knowledge attached")
	case errors.Is(err, enrich.ErrUpstream), errors.Is(err, enrich.ErrNotConfigured):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error()).SetInternal(err)
	case errors.Is(err, blob.ErrNotConfigured):
		return echo.NewHTTPError(http.StatusBadGateway, "blob store unavailable").SetInternal(err)
	}
	return err
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

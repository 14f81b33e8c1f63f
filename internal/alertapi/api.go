// Package alertapi is the HTTP edge of the fabric: it accepts alerts and
// publishes them to the bus, serves incident reports, and shows the latest
// status of every agent.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/incident"
	"github.com/linnemanlabs/relay/internal/status"
	"github.com/linnemanlabs/relay/internal/streams"
)

// IncidentReader is the slice of the incident store the API reads.
type IncidentReader interface {
	Get(ctx context.Context, alertID string) (*incident.Report, bool, error)
	List(ctx context.Context, limit int) ([]*incident.Report, error)
}

// StatusSource returns the latest status record per agent.
type StatusSource interface {
	Snapshot() []status.Record
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	pub       bus.Publisher
	reg       *streams.Registry
	incidents IncidentReader
	board     StatusSource
}

// New creates a new API handler. A nil board serves an empty agent list.
func New(logger log.Logger, pub bus.Publisher, reg *streams.Registry, incidents IncidentReader, board StatusSource) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if pub == nil {
		panic(xerrors.New("alert publisher is required"))
	}
	if reg == nil {
		panic(xerrors.New("stream registry is required"))
	}
	if incidents == nil {
		panic(xerrors.New("incident store is required"))
	}
	return &API{
		logger:    logger,
		pub:       pub,
		reg:       reg,
		incidents: incidents,
		board:     board,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlert)
		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Get("/agents", a.handleAgents)
	})
}

func (a *API) handleAgents(w http.ResponseWriter, _ *http.Request) {
	records := []status.Record{}
	if a.board != nil {
		records = a.board.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": records})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

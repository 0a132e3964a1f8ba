package handlers

import (
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/compendiumnav/navsync/internal/buildinfo"
	"github.com/compendiumnav/navsync/internal/logger"
	"github.com/compendiumnav/navsync/internal/metrics"
	"github.com/compendiumnav/navsync/internal/middleware"
	"github.com/compendiumnav/navsync/internal/relay"
	"github.com/compendiumnav/navsync/internal/state"
)

// StateSource is what the boat server exposes over HTTP.
type StateSource interface {
	GetState() state.Document
	BoatID() string
}

// Fleet is what the relay exposes over HTTP.
type Fleet interface {
	Boats() []relay.BoatStatus
	Copy(boatID string) (*relay.VesselCopy, bool)
}

// Router wraps the mux router and the role it serves
type Router struct {
	*mux.Router
	role  string
	log   *zap.SugaredLogger
	state StateSource
	fleet Fleet
	count func() int
}

func newRouter(role string, ws http.Handler, count func() int, log *zap.SugaredLogger) *Router {
	if log == nil {
		log = logger.Nop()
	}
	r := &Router{Router: mux.NewRouter(), role: role, log: log, count: count}

	r.Handle("/ws", ws)
	r.HandleFunc("/health", r.healthCheck).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	return r
}

// NewServerRouter serves the boat side: the direct socket, health and the
// current document.
func NewServerRouter(src StateSource, ws http.Handler, count func() int, secret string, log *zap.SugaredLogger) *Router {
	r := newRouter("server", ws, count, log)
	r.state = src

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.BearerAuth(secret))
	api.HandleFunc("/state", r.getState).Methods("GET")
	return r
}

// NewRelayRouter serves the relay: the shared socket, health and the
// per-boat copies.
func NewRelayRouter(fleet Fleet, ws http.Handler, count func() int, secret string, log *zap.SugaredLogger) *Router {
	r := newRouter("relay", ws, count, log)
	r.fleet = fleet

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.BearerAuth(secret))
	api.HandleFunc("/boats", r.listBoats).Methods("GET")
	api.HandleFunc("/boats/{boatId}/state", r.getBoatState).Methods("GET")
	return r
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	body := map[string]any{
		"status": "ok",
		"server": r.role,
		"build":  buildinfo.Current(),
	}
	if r.count != nil {
		body["connections"] = r.count()
	}
	if r.state != nil {
		body["boatId"] = r.state.BoatID()
	}
	respondJSON(w, http.StatusOK, body)
}

func (r *Router) getState(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"boatId": r.state.BoatID(),
		"data":   r.state.GetState(),
	})
}

func (r *Router) listBoats(w http.ResponseWriter, req *http.Request) {
	boats := r.fleet.Boats()
	if claims, ok := middleware.ClaimsFrom(req.Context()); ok && claims.BoatID != "" {
		visible := boats[:0:0]
		for _, b := range boats {
			if b.BoatID == claims.BoatID {
				visible = append(visible, b)
			}
		}
		boats = visible
	}
	respondJSON(w, http.StatusOK, boats)
}

func (r *Router) getBoatState(w http.ResponseWriter, req *http.Request) {
	boatID := mux.Vars(req)["boatId"]
	if claims, ok := middleware.ClaimsFrom(req.Context()); ok && claims.BoatID != "" && claims.BoatID != boatID {
		respondError(w, http.StatusForbidden, "token not valid for this boat")
		return
	}

	c, ok := r.fleet.Copy(boatID)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown boat")
		return
	}
	doc, ok := c.Snapshot()
	if !ok {
		respondError(w, http.StatusNotFound, "no state received yet")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"boatId":  boatID,
		"updated": c.Updated(),
		"data":    doc,
	})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

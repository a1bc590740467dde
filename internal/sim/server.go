// Package sim is a self-contained backend for the sync engine to run
// against: the REST collaborator surface, the websocket push channel, and
// just enough matching to drive full ride lifecycles. Integration tests use
// it in-memory; cmd/simulator wires it from the environment.
package sim

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ridesync/internal/config"
	"github.com/example/ridesync/internal/eta"
	"github.com/example/ridesync/internal/geo"
	"github.com/example/ridesync/internal/models"
	"github.com/example/ridesync/internal/observability"
)

type Server struct {
	log       *slog.Logger
	secret    string
	store     RideStore
	geo       geo.Index
	hub       *Hub
	estimator *eta.Estimator
	mirror    *LocationMirror // optional
	fares     FareProcessor   // optional
	router    *mux.Router

	mu           sync.Mutex
	offers       map[string]string // ride id -> driver id the offer went to
	busy         map[string]string // driver id -> the active ride they hold
	holds        map[string]string // ride id -> fare hold id
	availability map[string]bool
	lastLoc      map[string]models.Coord
}

type ServerOption func(*Server)

func WithMirror(m *LocationMirror) ServerOption { return func(s *Server) { s.mirror = m } }
func WithFares(f FareProcessor) ServerOption    { return func(s *Server) { s.fares = f } }
func WithStore(st RideStore) ServerOption       { return func(s *Server) { s.store = st } }
func WithGeo(g geo.Index) ServerOption          { return func(s *Server) { s.geo = g } }

func NewServer(secret string, estimator *eta.Estimator, log *slog.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:          log,
		secret:       secret,
		store:        NewMemoryStore(),
		geo:          geo.NewMemoryIndex(),
		hub:          NewHub(log),
		estimator:    estimator,
		router:       mux.NewRouter(),
		offers:       make(map[string]string),
		busy:         make(map[string]string),
		holds:        make(map[string]string),
		availability: make(map[string]bool),
		lastLoc:      make(map[string]models.Coord),
	}
	for _, o := range opts {
		o(s)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromEnv wires the optional backends from the environment;
// everything degrades to in-memory when the env var is absent.
func NewServerFromEnv(cfg config.SimulatorConfig, log *slog.Logger) *Server {
	estimator := &eta.Estimator{
		SpeedMps: cfg.DefaultSpeedMps,
		FareBase: cfg.FareBase,
		PerKm:    cfg.FarePerKm,
		Cache:    eta.NewCache(time.Minute),
	}
	if cfg.OSRMEndpoint != "" {
		estimator.Routing = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	var opts []ServerOption
	if cfg.RedisAddr != "" {
		opts = append(opts, WithGeo(geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)))
	}
	if cfg.PGDSN != "" {
		if ps, err := NewPostgresStore(cfg.PGDSN); err == nil {
			opts = append(opts, WithStore(ps))
		} else {
			log.Error("postgres store unavailable, using memory", "error", err)
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		opts = append(opts, WithMirror(NewLocationMirror(cfg.KafkaBrokers, cfg.KafkaTopic)))
	}
	if cfg.StripeEnabled {
		opts = append(opts, WithFares(NewStripeFares()))
	}
	return NewServer(cfg.JWTSecret, estimator, log, opts...)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.router.HandleFunc("/api/v1/auth/token", s.handleMintToken).Methods("POST")
	s.router.HandleFunc("/api/v1/rides/estimate", s.withAuth(s.handleEstimate)).Methods("POST")
	s.router.HandleFunc("/api/v1/rides/{id}", s.withAuth(s.handleGetRide)).Methods("GET")
	s.router.HandleFunc("/api/v1/rides/{id}/status", s.withAuth(s.handleUpdateStatus)).Methods("PATCH")
	s.router.HandleFunc("/api/v1/rides/{id}/accept", s.withAuth(s.handleAcceptRide)).Methods("POST")
	s.router.HandleFunc("/api/v1/drivers/{id}/availability", s.withAuth(s.handleSetAvailability)).Methods("PUT")
	s.router.HandleFunc("/api/v1/drivers/{id}/availability", s.withAuth(s.handleGetAvailability)).Methods("GET")
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc("/ws", s.handleWS)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, id Identity)

func (s *Server) withAuth(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		id, err := VerifyToken(s.secret, raw)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		h(w, r, id)
	}
}

// handleMintToken exists for demos and tests; real authentication is an
// external collaborator of the engine.
func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity string `json:"identity"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identity == "" {
		http.Error(w, "identity required", http.StatusBadRequest)
		return
	}
	tok, err := MintToken(s.secret, req.Identity, req.Role, 24*time.Hour)
	if err != nil {
		http.Error(w, "mint failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"token": tok})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request, _ Identity) {
	var req struct {
		Origin      models.Coord `json:"origin"`
		Destination models.Coord `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, s.estimator.Quote(req.Origin, req.Destination))
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request, id Identity) {
	ride, err := s.store.GetRide(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "ride not found", http.StatusNotFound)
		return
	}
	if ride.PassengerID != id.Subject && ride.DriverID != id.Subject {
		http.Error(w, "ride not found", http.StatusNotFound)
		return
	}
	writeJSON(w, ride)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request, id Identity) {
	var req struct {
		Status  string `json:"status"`
		Version int64  `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.updateStatus(mux.Vars(r)["id"], id.Subject, req.Status)
	if err != nil {
		s.writeRideError(w, err)
		return
	}
	writeJSON(w, ride)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request, id Identity) {
	ride, err := s.acceptRide(mux.Vars(r)["id"], id.Subject)
	if err != nil {
		s.writeRideError(w, err)
		return
	}
	writeJSON(w, ride)
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request, id Identity) {
	driverID := mux.Vars(r)["id"]
	if driverID != id.Subject {
		http.Error(w, "not your availability", http.StatusUnauthorized)
		return
	}
	var req struct {
		Available bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.setAvailability(driverID, req.Available)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAvailability(w http.ResponseWriter, r *http.Request, _ Identity) {
	s.mu.Lock()
	avail := s.availability[mux.Vars(r)["id"]]
	s.mu.Unlock()
	writeJSON(w, map[string]bool{"available": avail})
}

func (s *Server) writeRideError(w http.ResponseWriter, err error) {
	switch {
	case err == ErrNoRide:
		http.Error(w, "ride not found", http.StatusNotFound)
	case err == errConflict:
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// --- middleware: panic recovery, request ids, metrics and access logs ---

type contextKey string

const requestIDKey contextKey = "request-id"

func (s *Server) registerMiddleware() {
	s.router.Use(s.recoverMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.observabilityMiddleware)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = newID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := routeTemplate(r)
		status := strconv.Itoa(ww.status)

		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())

		args := []any{
			"method", r.Method,
			"route", route,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", remoteIP(r),
		}
		if rid, ok := r.Context().Value(requestIDKey).(string); ok && rid != "" {
			args = append(args, "request_id", rid)
		}
		s.log.Info("http_request", args...)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", "error", rec)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack delegates to the wrapped writer so websocket upgrades still work
// behind the middleware; embedding the interface hides the method.
func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return hj.Hijack()
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Package api exposes the operational HTTP surface: health, metrics,
// and read-only introspection of the relay's moving parts. Delivery
// submission and acknowledgement travel over MQTT, not HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"consultation-relay/internal/config"
	"consultation-relay/internal/devicecache"
	"consultation-relay/internal/models"
	"consultation-relay/internal/queue"
	"consultation-relay/internal/supervisor"
	"consultation-relay/internal/telemetry"
	"consultation-relay/internal/transport"
)

// QueueStats reports delivery queue contents.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Statistics, error)
}

// TransportStats reports broker connection counters.
type TransportStats interface {
	Snapshot() transport.Stats
}

// ServiceStates reports supervisor lifecycle states.
type ServiceStates interface {
	SystemStatus() map[string]supervisor.ServiceStatus
}

// DeviceReader is the store slice behind the device endpoints.
type DeviceReader interface {
	GetDevice(ctx context.Context, id int64) (models.Device, error)
	ListDevices(ctx context.Context) ([]models.Device, error)
}

// DeviceCache is the read cache in front of DeviceReader.
type DeviceCache interface {
	Get(ctx context.Context, deviceID int64) (models.Device, error)
	Put(ctx context.Context, device models.Device)
}

// SequenceSource reports the presence broadcast sequence counter.
type SequenceSource interface {
	Sequence() uint64
}

// Server wires the operational HTTP handlers.
type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	queue    QueueStats
	trans    TransportStats
	services ServiceStates
	devices  DeviceReader
	cache    DeviceCache
	presence SequenceSource

	srv    *http.Server
	failed atomic.Bool
}

// New constructs the ops server. Any dependency may be nil; the
// corresponding section of /stats is then omitted.
func New(cfg config.Config, logger *slog.Logger, q QueueStats, t TransportStats, s ServiceStates, d DeviceReader, c DeviceCache, p SequenceSource) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger,
		queue:    q,
		trans:    t,
		services: s,
		devices:  d,
		cache:    c,
		presence: p,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/stats", s.handleStats)
	r.Get("/devices", s.handleListDevices)
	r.Get("/devices/{id}", s.handleGetDevice)
	return r
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.failed.Store(false)
	s.srv = &http.Server{
		Addr:    ":" + s.cfg.HTTPPort,
		Handler: s.Router(),
	}
	srv := s.srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.failed.Store(true)
			s.logger.Error("ops server failed", "error", err)
		}
	}()
	s.logger.Info("ops server listening", "port", s.cfg.HTTPPort)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Healthy reports whether the server is started and its listener has
// not died.
func (s *Server) Healthy() bool {
	return s.srv != nil && !s.failed.Load()
}

type statsResponse struct {
	Queue            *queue.Statistics                   `json:"queue,omitempty"`
	Transport        *transport.Stats                    `json:"transport,omitempty"`
	Services         map[string]supervisor.ServiceStatus `json:"services,omitempty"`
	PresenceSequence *uint64                             `json:"presence_sequence,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse

	if s.queue != nil {
		qs, err := s.queue.Stats(r.Context())
		if err != nil {
			http.Error(w, "failed to read queue stats", http.StatusInternalServerError)
			return
		}
		resp.Queue = &qs
	}
	if s.trans != nil {
		ts := s.trans.Snapshot()
		resp.Transport = &ts
	}
	if s.services != nil {
		resp.Services = s.services.SystemStatus()
	}
	if s.presence != nil {
		seq := s.presence.Sequence()
		resp.PresenceSequence = &seq
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if s.devices == nil {
		http.Error(w, "device lookup unavailable", http.StatusServiceUnavailable)
		return
	}
	devices, err := s.devices.ListDevices(r.Context())
	if err != nil {
		http.Error(w, "failed to list devices", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// handleGetDevice serves a device row, preferring the read cache and
// refilling it on a miss.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}

	if s.cache != nil {
		if device, err := s.cache.Get(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, device)
			return
		} else if !errors.Is(err, devicecache.ErrMiss) {
			s.logger.Warn("device cache read failed", "device_id", id, "error", err)
		}
	}

	if s.devices == nil {
		http.Error(w, "device lookup unavailable", http.StatusServiceUnavailable)
		return
	}
	device, err := s.devices.GetDevice(r.Context(), id)
	if err != nil {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	if s.cache != nil {
		s.cache.Put(r.Context(), device)
	}
	writeJSON(w, http.StatusOK, device)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

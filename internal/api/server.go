// Package api serves the HTTP façade: container CRUD, the restart journal,
// the live feed, metrics and a health probe.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"reviver/internal/journal"
	"reviver/internal/manager"
	"reviver/internal/metrics"
	"reviver/internal/store"
	"reviver/pkg/logging"

	cerrdefs "github.com/containerd/errdefs"
	"nhooyr.io/websocket"
)

const maxBodyBytes = 1 << 20

// Pinger reports whether the engine is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	manager     *manager.Manager
	journal     *journal.Journal
	broadcaster *Broadcaster
	metrics     *metrics.Collector
	engine      Pinger
	log         *logging.Logger
}

func NewServer(mgr *manager.Manager, j *journal.Journal, broadcaster *Broadcaster, m *metrics.Collector, engine Pinger, log *logging.Logger) *Server {
	return &Server{
		manager:     mgr,
		journal:     j,
		broadcaster: broadcaster,
		metrics:     m,
		engine:      engine,
		log:         log.With("component", "api"),
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/containers", s.handleContainers)
	mux.HandleFunc("/api/containers/", s.handleContainer)
	mux.HandleFunc("/api/restarts", s.handleRestarts)
	mux.HandleFunc("/api/events/stream", s.handleStream)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return s.loggingMiddleware(mux)
}

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items := s.manager.Configs()
		resp := make([]ContainerResponse, 0, len(items))
		for _, c := range items {
			resp = append(resp, toContainerResponse(c, s.manager.Status(r.Context(), c.ContainerID)))
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		req, ok := decodeRequest(w, r)
		if !ok {
			return
		}
		created, err := s.manager.Create(r.Context(), req)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toContainerResponse(created, s.manager.Status(r.Context(), created.ContainerID)))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleContainer(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/containers/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		c, ok := s.manager.Config(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("container %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, toContainerResponse(c, s.manager.Status(r.Context(), id)))
	case http.MethodPut:
		req, ok := decodeRequest(w, r)
		if !ok {
			return
		}
		updated, err := s.manager.Update(r.Context(), id, req)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toContainerResponse(updated, s.manager.Status(r.Context(), updated.ContainerID)))
	case http.MethodDelete:
		if err := s.manager.Remove(r.Context(), id); err != nil {
			s.writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleRestarts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	beforeID, _ := strconv.ParseInt(q.Get("before_id"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	items, err := s.journal.List(r.Context(), q.Get("container_id"), beforeID, limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	peer := clientIP(r)
	s.log.Info("ws connect", "peer", peer)
	defer func() {
		s.log.Info("ws disconnect", "peer", peer)
		conn.Close(websocket.StatusNormalClosure, "closing")
	}()

	s.broadcaster.Add(conn)
	defer s.broadcaster.Remove(conn)

	ctx := r.Context()
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.engine.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "engine unreachable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ContainerResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Image     string   `json:"image"`
	Status    string   `json:"status"`
	Ports     []string `json:"ports"`
	Mounts    []string `json:"mounts"`
	Env       []string `json:"env"`
	IPAddress string   `json:"ip_address,omitempty"`
	UpdatedAt string   `json:"updated_at"`
}

func toContainerResponse(c store.ContainerConfig, status string) ContainerResponse {
	resp := ContainerResponse{
		ID:        c.ContainerID,
		Name:      c.Name,
		Image:     c.Image,
		Status:    status,
		Ports:     []string{},
		Mounts:    []string{},
		Env:       []string{},
		IPAddress: c.IPAddress,
		UpdatedAt: c.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if env := c.Env(); env != nil {
		resp.Env = env
	}
	if hc := c.HostConfig; hc != nil {
		for port, bindings := range hc.PortBindings {
			for _, b := range bindings {
				ip := "0.0.0.0"
				if b.HostIP.IsValid() {
					ip = b.HostIP.String()
				}
				resp.Ports = append(resp.Ports, fmt.Sprintf("%s:%s -> %s", ip, b.HostPort, port.String()))
			}
		}
		slices.Sort(resp.Ports)
		resp.Mounts = append(resp.Mounts, hc.Binds...)
		for _, m := range hc.Mounts {
			resp.Mounts = append(resp.Mounts, fmt.Sprintf("%s -> %s", m.Source, m.Target))
		}
	}
	return resp
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (manager.CreateRequest, bool) {
	var req manager.CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return req, false
	}
	return req, true
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case cerrdefs.IsNotFound(err):
		return http.StatusNotFound
	case cerrdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case cerrdefs.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket handler take over the connection through the
// recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		s.metrics.ObserveHTTP(r.Method, routeOf(r.URL.Path), rec.status, elapsed)
		s.log.Debug("http", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", elapsed)
	})
}

// routeOf collapses ids out of paths so they are safe as metric labels.
func routeOf(path string) string {
	if strings.HasPrefix(path, "/api/containers/") {
		return "/api/containers/{id}"
	}
	switch path {
	case "/api/containers", "/api/restarts", "/api/events/stream", "/healthz", "/metrics":
		return path
	}
	return "other"
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return ip
	}
	return r.RemoteAddr
}

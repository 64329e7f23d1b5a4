package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"reviver/pkg/logging"
)

type mockDockerServer struct {
	t          *testing.T
	events     []string
	inspects   map[string]string
	containers string

	mu      sync.Mutex
	queries []url.Values

	httpServer *http.Server
	listener   net.Listener
}

func newMockDockerServer(t *testing.T) *mockDockerServer {
	t.Helper()
	m := &mockDockerServer{t: t, inspects: map[string]string{}, containers: "[]"}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	m.listener = listener
	m.httpServer = &http.Server{Handler: http.HandlerFunc(m.handle)}
	go func() {
		_ = m.httpServer.Serve(listener)
	}()
	t.Cleanup(m.Close)
	return m
}

func (m *mockDockerServer) Host() string {
	return "tcp://" + m.listener.Addr().String()
}

func (m *mockDockerServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.httpServer.Shutdown(ctx)
	_ = m.listener.Close()
}

func (m *mockDockerServer) lastQuery() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queries) == 0 {
		return nil
	}
	return m.queries[len(m.queries)-1]
}

func (m *mockDockerServer) handle(w http.ResponseWriter, r *http.Request) {
	path := stripDockerVersionPrefix(r.URL.Path)
	switch {
	case path == "/_ping":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	case path == "/containers/json":
		m.mu.Lock()
		m.queries = append(m.queries, r.URL.Query())
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(m.containers))
	case path == "/events":
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, line := range m.events {
			_, _ = w.Write([]byte(line + "\n"))
			if flusher != nil {
				flusher.Flush()
			}
		}
	case strings.HasPrefix(path, "/containers/") && strings.HasSuffix(path, "/json"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/containers/"), "/json")
		raw, ok := m.inspects[id]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "No such container: " + id})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(raw))
	default:
		http.NotFound(w, r)
	}
}

var dockerVersionPrefix = regexp.MustCompile(`^/v[0-9]+\.[0-9]+`)

func stripDockerVersionPrefix(path string) string {
	loc := dockerVersionPrefix.FindStringIndex(path)
	if loc == nil || loc[0] != 0 {
		return path
	}
	stripped := path[loc[1]:]
	if stripped == "" {
		return "/"
	}
	return stripped
}

func connectMock(t *testing.T, m *mockDockerServer) *Docker {
	t.Helper()
	d, err := Connect(context.Background(), m.Host(), 1, logging.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestListContainersSendsStatusFilter(t *testing.T) {
	mock := newMockDockerServer(t)
	mock.containers = `[{"Id":"c1","Names":["/web"],"Image":"nginx:latest","State":"exited"}]`
	d := connectMock(t, mock)

	items, err := d.ListContainers(context.Background(), true, StatusExited, StatusDead)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ID != "c1" || items[0].Status != "exited" {
		t.Fatalf("unexpected items: %+v", items)
	}

	q := mock.lastQuery()
	if q.Get("all") != "1" {
		t.Fatalf("expected all=1, got %q", q.Get("all"))
	}
	var filters map[string]map[string]bool
	if err := json.Unmarshal([]byte(q.Get("filters")), &filters); err != nil {
		t.Fatalf("decode filters %q: %v", q.Get("filters"), err)
	}
	if !filters["status"]["exited"] || !filters["status"]["dead"] {
		t.Fatalf("unexpected status filter: %v", filters)
	}
}

func TestInspectContainerMapsDetail(t *testing.T) {
	mock := newMockDockerServer(t)
	mock.inspects["c1"] = `{
		"Id": "c1",
		"Name": "/web",
		"Image": "sha256:abc",
		"State": {"Status": "running", "Running": true},
		"Config": {"Image": "nginx:latest", "Env": ["A=b"]},
		"HostConfig": {"Binds": ["/data:/data"]},
		"NetworkSettings": {"Networks": {"bridge": {"IPAddress": "172.17.0.2"}}}
	}`
	d := connectMock(t, mock)

	detail, err := d.InspectContainer(context.Background(), "c1")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if detail.Name != "web" {
		t.Fatalf("expected name without leading slash, got %q", detail.Name)
	}
	if detail.Image != "nginx:latest" || !detail.Running || detail.Status != "running" {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if detail.IPAddress != "172.17.0.2" {
		t.Fatalf("ip = %q", detail.IPAddress)
	}
	if detail.Config == nil || len(detail.Config.Env) != 1 {
		t.Fatalf("config not passed through: %+v", detail.Config)
	}
	if detail.HostConfig == nil || len(detail.HostConfig.Binds) != 1 {
		t.Fatalf("host config not passed through: %+v", detail.HostConfig)
	}
}

func TestInspectUnknownContainerIsNotFound(t *testing.T) {
	mock := newMockDockerServer(t)
	d := connectMock(t, mock)

	_, err := d.InspectContainer(context.Background(), "missing")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsNotFound(err) {
		t.Fatalf("expected not-found class, got %v", err)
	}
}

func TestEventsStreamEndsAfterLastMessage(t *testing.T) {
	mock := newMockDockerServer(t)
	mock.events = []string{
		`{"Type":"container","Action":"die","Actor":{"ID":"c1","Attributes":{"name":"web"}},"timeNano":1700000000000000000}`,
		`{"Type":"network","Action":"connect","Actor":{"ID":"n1"}}`,
	}
	d := connectMock(t, mock)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, errs := d.Events(ctx)

	var got []Event
	var streamErr error
	for msgs != nil || errs != nil {
		select {
		case e, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			got = append(got, e)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			streamErr = err
		case <-ctx.Done():
			t.Fatalf("stream did not end")
		}
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != "container" || got[0].Action != "die" || got[0].ActorID != "c1" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[0].Attributes["name"] != "web" || got[0].Time.IsZero() {
		t.Fatalf("attributes/time not mapped: %+v", got[0])
	}
	if streamErr == nil {
		t.Fatalf("expected end-of-stream error")
	}
}

func TestConnectFailsWithConnectionError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host := "tcp://" + listener.Addr().String()
	_ = listener.Close()

	_, err = Connect(context.Background(), host, 2, logging.Nop())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestParseContextHost(t *testing.T) {
	out := "\nunix:///Users/me/.colima/default/docker.sock\n"
	if got := parseContextHost(out); got != "unix:///Users/me/.colima/default/docker.sock" {
		t.Fatalf("got %q", got)
	}
	if got := parseContextHost("<no value>"); got != "" {
		t.Fatalf("expected empty host, got %q", got)
	}
}

package restart

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"reviver/internal/db"
	"reviver/internal/engine"
	"reviver/internal/engine/enginetest"
	"reviver/internal/journal"
	"reviver/internal/metrics"
	"reviver/internal/store"
	"reviver/pkg/logging"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Send(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, text)
	return nil
}

func (n *recordingNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.msgs)
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []Update
}

func (p *recordingPublisher) Publish(ctx context.Context, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := v.(Update); ok {
		p.updates = append(p.updates, u)
	}
}

func (p *recordingPublisher) snapshot() []Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.updates)
}

func setup(t *testing.T, opts Options) (*Restarter, *enginetest.Fake, *store.Store) {
	t.Helper()
	fake := enginetest.New()
	detail := engine.ContainerDetail{
		ID:         "c1",
		Name:       "web",
		Image:      "nginx:latest",
		Config:     &container.Config{Image: "sha256:abc", Env: []string{"FOO=bar"}, Hostname: "c1"},
		HostConfig: &container.HostConfig{Binds: []string{"/srv:/data"}},
		IPAddress:  "172.17.0.2",
	}
	fake.Add(detail)
	st := store.New()
	st.Load(store.NewConfig(detail))
	return New(fake, st, logging.Nop(), opts), fake, st
}

func TestRestartRecreatesContainer(t *testing.T) {
	r, fake, st := setup(t, Options{})
	fake.SetStatus("c1", engine.StatusExited)

	newID, err := r.Restart(context.Background(), "c1")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if newID != "c2" {
		t.Fatalf("expected new id c2, got %q", newID)
	}
	if fake.Has("c1") {
		t.Fatalf("expected old container to be removed")
	}
	if _, ok := st.Get("c1"); ok {
		t.Fatalf("expected old id to be gone from store")
	}
	got, ok := st.Get("c2")
	if !ok {
		t.Fatalf("expected new id in store")
	}
	if got.Name != "web" || got.Image != "nginx:latest" || got.IPAddress != "172.17.0.3" {
		t.Fatalf("unexpected migrated entry: %+v", got)
	}
	if st.Len() != 1 {
		t.Fatalf("expected exactly one entry, got %d", st.Len())
	}

	detail, _ := fake.InspectContainer(context.Background(), "c2")
	if !detail.Running || detail.Name != "web" {
		t.Fatalf("expected running container named web, got %+v", detail)
	}
	if detail.Config.Image != "nginx:latest" {
		t.Fatalf("expected stored image to be used, got %q", detail.Config.Image)
	}
	if !slices.Equal(detail.Config.Env, []string{"FOO=bar"}) || detail.HostConfig.Binds[0] != "/srv:/data" {
		t.Fatalf("expected config carried over, got %+v %+v", detail.Config, detail.HostConfig)
	}

	if ops := fake.CallsFor("c1"); !slices.Equal(ops, []string{"StopContainer", "RemoveContainer"}) {
		t.Fatalf("unexpected calls for old container: %v", ops)
	}
}

func TestRestartDoesNotMutateStoredConfig(t *testing.T) {
	r, _, st := setup(t, Options{})
	before, _ := st.Get("c1")

	newID, err := r.Restart(context.Background(), "c1")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if before.Config.Image != "sha256:abc" {
		t.Fatalf("snapshot config was modified: %q", before.Config.Image)
	}
	after, _ := st.Get(newID)
	if after.Config.Image != "sha256:abc" {
		t.Fatalf("stored runtime config should be kept verbatim, got %q", after.Config.Image)
	}
}

func TestRestartWithoutConfig(t *testing.T) {
	r, fake, _ := setup(t, Options{})

	_, err := r.Restart(context.Background(), "unknown")
	if !errors.Is(err, ErrNoConfig) {
		t.Fatalf("expected ErrNoConfig, got %v", err)
	}
	if len(fake.CallsFor("unknown")) != 0 {
		t.Fatalf("expected no engine calls for unknown container")
	}
}

func TestRestartKillsWhenStopTimesOut(t *testing.T) {
	old := stopGrace
	stopGrace = 20 * time.Millisecond
	defer func() { stopGrace = old }()

	r, fake, _ := setup(t, Options{})
	fake.StopBlocks = true

	if _, err := r.Restart(context.Background(), "c1"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	ops := fake.CallsFor("c1")
	if !slices.Equal(ops, []string{"StopContainer", "KillContainer", "RemoveContainer"}) {
		t.Fatalf("expected stop, kill, remove; got %v", ops)
	}
}

func TestRestartTreatsKillConflictAsStopped(t *testing.T) {
	r, fake, _ := setup(t, Options{})
	fake.SetStatus("c1", engine.StatusExited)
	fake.Fail("StopContainer", errors.New("stop refused"))

	if _, err := r.Restart(context.Background(), "c1"); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestRestartFailsWhenStopAndKillFail(t *testing.T) {
	r, fake, st := setup(t, Options{})
	fake.Fail("StopContainer", errors.New("stop refused"))
	fake.Fail("KillContainer", errors.New("kill refused"))

	_, err := r.Restart(context.Background(), "c1")
	var wfErr *WorkflowError
	if !errors.As(err, &wfErr) || wfErr.Step != StepStop {
		t.Fatalf("expected stop workflow error, got %v", err)
	}
	if _, ok := st.Get("c1"); !ok {
		t.Fatalf("store entry must stay when nothing was removed")
	}
}

func TestRestartRemoveFailureKeepsEntry(t *testing.T) {
	r, fake, st := setup(t, Options{})
	fake.Fail("RemoveContainer", errors.New("device busy"))

	_, err := r.Restart(context.Background(), "c1")
	var wfErr *WorkflowError
	if !errors.As(err, &wfErr) || wfErr.Step != StepRemove {
		t.Fatalf("expected remove workflow error, got %v", err)
	}
	if _, ok := st.Get("c1"); !ok {
		t.Fatalf("expected entry under old id")
	}
}

func TestRestartStartFailureMigratesEntry(t *testing.T) {
	r, fake, st := setup(t, Options{})
	fake.Fail("StartContainer", errors.New("port already allocated"))

	newID, err := r.Restart(context.Background(), "c1")
	var wfErr *WorkflowError
	if !errors.As(err, &wfErr) || wfErr.Step != StepStart {
		t.Fatalf("expected start workflow error, got %v", err)
	}
	if newID != "c2" {
		t.Fatalf("expected new id alongside error, got %q", newID)
	}
	if _, ok := st.Get("c1"); ok {
		t.Fatalf("old id must not stay in store after create")
	}
	if _, ok := st.Get("c2"); !ok {
		t.Fatalf("expected entry under new id")
	}
}

func TestRestartVerifyFailsWhenContainerExits(t *testing.T) {
	r, fake, _ := setup(t, Options{})
	fake.ExitOnStart = true

	_, err := r.Restart(context.Background(), "c1")
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	var wfErr *WorkflowError
	if !errors.As(err, &wfErr) || wfErr.Step != StepVerify {
		t.Fatalf("expected verify step, got %v", err)
	}
}

func TestDispatchRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	dbConn, err := db.Open(filepath.Join(t.TempDir(), "reviver.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer dbConn.Close()
	if err := dbConn.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pub := &recordingPublisher{}
	notes := &recordingNotifier{}
	m := metrics.NewCollector()
	r, fake, _ := setup(t, Options{
		Journal:   journal.New(dbConn.SQL),
		Metrics:   m,
		Notifier:  notes,
		Publisher: pub,
	})
	fake.Fail("CreateContainer", errors.New("no space left"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	r.Dispatch(cancelled, "c1", 1, "die")

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	if err := r.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	attempts, err := journal.New(dbConn.SQL).List(ctx, "c1", 0, 10)
	if err != nil {
		t.Fatalf("list journal: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Status != journal.StatusFailed || attempts[0].Step != StepCreate {
		t.Fatalf("unexpected journal: %+v", attempts)
	}

	updates := pub.snapshot()
	if len(updates) != 2 || updates[0].Status != journal.StatusPending || updates[1].Status != journal.StatusFailed {
		t.Fatalf("unexpected updates: %+v", updates)
	}
	if got := testutil.ToFloat64(m.RestartResultsTotal.WithLabelValues("failed", StepCreate)); got != 1 {
		t.Fatalf("expected failed result metric, got %v", got)
	}
	if msgs := notes.snapshot(); len(msgs) != 1 || !strings.Contains(msgs[0], "restart attempt 1 failed") {
		t.Fatalf("expected one failure alert, got %v", msgs)
	}
}

func TestDispatchRunsEveryRestartForSameID(t *testing.T) {
	r, fake, st := setup(t, Options{SettleDelay: 100 * time.Millisecond})
	fake.SetStatus("c1", engine.StatusExited)
	notes := &recordingNotifier{}
	r.opts.Notifier = notes

	// kill, die and stop for one docker stop.
	ctx := context.Background()
	r.Dispatch(ctx, "c1", 1, "kill")
	r.Dispatch(ctx, "c1", 2, "die")

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	count := func(op string) int {
		n := 0
		for _, o := range fake.CallsFor("c1") {
			if o == op {
				n++
			}
		}
		return n
	}
	if count("StopContainer") != 2 || count("RemoveContainer") != 2 {
		t.Fatalf("expected both runs to reach the engine, got %v", fake.CallsFor("c1"))
	}
	if st.Len() != 1 || !fake.Has("c2") || fake.Has("c3") {
		t.Fatalf("expected exactly one recreated container, calls %v", fake.Calls())
	}
	if msgs := notes.snapshot(); len(msgs) != 0 {
		t.Fatalf("expected the losing run not to alert, got %v", msgs)
	}
}

func TestSuperseded(t *testing.T) {
	gone := fmt.Errorf("no such container: %w", cerrdefs.ErrNotFound)
	cases := []struct {
		err  error
		want bool
	}{
		{&WorkflowError{Step: StepConfig, Err: ErrNoConfig}, true},
		{&WorkflowError{Step: StepRemove, Err: gone}, true},
		{&WorkflowError{Step: StepStop, Err: fmt.Errorf("stop: %w; kill: %w", gone, gone)}, true},
		{&WorkflowError{Step: StepStart, Err: gone}, false},
		{&WorkflowError{Step: StepRemove, Err: errors.New("device busy")}, false},
		{errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := superseded(tc.err); got != tc.want {
			t.Fatalf("superseded(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestRecreateSpecCopiesHostConfig(t *testing.T) {
	stored := &container.HostConfig{Binds: []string{"/srv:/data"}}
	cfg := store.ContainerConfig{Image: "nginx:latest", Config: &container.Config{}, HostConfig: stored}

	spec := recreateSpec(cfg)
	if spec.HostConfig == stored {
		t.Fatalf("expected a copy of the stored host config")
	}
	spec.HostConfig.CapAdd = []string{"NET_ADMIN"}
	spec.HostConfig.Privileged = true
	if stored.CapAdd != nil || stored.Privileged {
		t.Fatalf("stored host config was modified: %+v", stored)
	}

	if spec := recreateSpec(store.ContainerConfig{Image: "nginx:latest"}); spec.HostConfig != nil {
		t.Fatalf("expected nil host config to stay nil")
	}
}

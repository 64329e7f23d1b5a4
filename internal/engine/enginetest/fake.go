// Package enginetest provides an in-memory engine.Client for tests.
package enginetest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"reviver/internal/engine"

	cerrdefs "github.com/containerd/errdefs"
)

// Call is one recorded engine invocation.
type Call struct {
	Op string
	ID string
}

// Fake keeps containers in memory and records every call. Container ids it
// generates are "c<N>", continuing the sequence of containers added with Add.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*engine.ContainerDetail
	seq        int
	calls      []Call
	failures   map[string]error
	pulls      []string

	events chan engine.Event
	errs   chan error

	// StopBlocks makes StopContainer wait for its context to expire.
	StopBlocks bool
	// ExitOnStart makes started containers report exited right away.
	ExitOnStart bool
	// PullMessages are replayed to the progress callback on every pull.
	PullMessages []engine.PullProgress

	pingErr error
}

func New() *Fake {
	return &Fake{
		containers: make(map[string]*engine.ContainerDetail),
		failures:   make(map[string]error),
		events:     make(chan engine.Event, 64),
		errs:       make(chan error, 64),
	}
}

// Add registers a container. Status defaults to running.
func (f *Fake) Add(d engine.ContainerDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.Status == "" {
		d.Status = engine.StatusRunning
	}
	d.Running = d.Status == engine.StatusRunning
	d.Name = strings.TrimPrefix(d.Name, "/")
	f.containers[d.ID] = &d
	f.seq++
}

// Fail makes the next op calls return err. op is one of the method names,
// e.g. "CreateContainer".
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

// SetStatus changes a container's status without recording a call.
func (f *Fake) SetStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.Status = status
		c.Running = status == engine.StatusRunning
	}
}

// Emit queues an event for the subscriber.
func (f *Fake) Emit(e engine.Event) {
	f.events <- e
}

// EmitError queues a stream error. The stream keeps going.
func (f *Fake) EmitError(err error) {
	f.errs <- err
}

// CloseEvents ends the event stream.
func (f *Fake) CloseEvents() {
	close(f.errs)
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallsFor returns the ops recorded against id, in order.
func (f *Fake) CallsFor(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ops []string
	for _, c := range f.calls {
		if c.ID == id {
			ops = append(ops, c.Op)
		}
	}
	return ops
}

func (f *Fake) Pulls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.pulls)
}

func (f *Fake) Has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[id]
	return ok
}

func (f *Fake) record(op, id string) error {
	f.calls = append(f.calls, Call{Op: op, ID: id})
	if err, ok := f.failures[op]; ok {
		delete(f.failures, op)
		return err
	}
	return nil
}

func notFound(id string) error {
	return fmt.Errorf("no such container: %s: %w", id, cerrdefs.ErrNotFound)
}

func (f *Fake) ListContainers(ctx context.Context, all bool, statuses ...string) ([]engine.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListContainers", ""); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(f.containers))
	for id := range f.containers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []engine.ContainerSummary
	for _, id := range ids {
		c := f.containers[id]
		if !all && !c.Running {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, c.Status) {
			continue
		}
		out = append(out, engine.ContainerSummary{ID: c.ID, Names: []string{"/" + c.Name}, Image: c.Image, Status: c.Status})
	}
	return out, nil
}

func (f *Fake) InspectContainer(ctx context.Context, id string) (engine.ContainerDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("InspectContainer", id); err != nil {
		return engine.ContainerDetail{}, err
	}
	c, ok := f.containers[id]
	if !ok {
		return engine.ContainerDetail{}, notFound(id)
	}
	return *c, nil
}

func (f *Fake) Events(ctx context.Context) (<-chan engine.Event, <-chan error) {
	out := make(chan engine.Event)
	errs := make(chan error)
	go func() {
		defer close(out)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-f.errs:
				if !ok {
					return
				}
				select {
				case errs <- err:
				case <-ctx.Done():
					return
				}
			case e := <-f.events:
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errs
}

func (f *Fake) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("StartContainer", id); err != nil {
		return err
	}
	c, ok := f.containers[id]
	if !ok {
		return notFound(id)
	}
	if f.ExitOnStart {
		c.Status, c.Running = engine.StatusExited, false
		return nil
	}
	c.Status, c.Running = engine.StatusRunning, true
	return nil
}

func (f *Fake) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	err := f.record("StopContainer", id)
	blocks := f.StopBlocks
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if blocks {
		<-ctx.Done()
		return ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return notFound(id)
	}
	c.Status, c.Running = engine.StatusExited, false
	return nil
}

func (f *Fake) KillContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("KillContainer", id); err != nil {
		return err
	}
	c, ok := f.containers[id]
	if !ok {
		return notFound(id)
	}
	if !c.Running {
		return fmt.Errorf("container %s is not running: %w", id, cerrdefs.ErrConflict)
	}
	c.Status, c.Running = engine.StatusExited, false
	return nil
}

func (f *Fake) RemoveContainer(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveContainer", id); err != nil {
		return err
	}
	c, ok := f.containers[id]
	if !ok {
		return notFound(id)
	}
	if c.Running && !force {
		return fmt.Errorf("container %s is running: %w", id, cerrdefs.ErrConflict)
	}
	delete(f.containers, id)
	return nil
}

func (f *Fake) CreateContainer(ctx context.Context, name string, spec engine.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateContainer", name); err != nil {
		return "", err
	}
	for _, c := range f.containers {
		if name != "" && c.Name == name {
			return "", fmt.Errorf("name %q already in use by %s: %w", name, c.ID, cerrdefs.ErrConflict)
		}
	}
	f.seq++
	id := fmt.Sprintf("c%d", f.seq)
	d := &engine.ContainerDetail{
		ID:         id,
		Name:       name,
		Status:     engine.StatusCreated,
		Config:     spec.Config,
		HostConfig: spec.HostConfig,
		IPAddress:  fmt.Sprintf("172.17.0.%d", f.seq+1),
	}
	if spec.Config != nil {
		d.Image = spec.Config.Image
	}
	f.containers[id] = d
	return id, nil
}

func (f *Fake) PullImage(ctx context.Context, ref string, progress func(engine.PullProgress)) error {
	f.mu.Lock()
	err := f.record("PullImage", ref)
	f.pulls = append(f.pulls, ref)
	msgs := slices.Clone(f.PullMessages)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if progress != nil {
			progress(m)
		}
	}
	return nil
}

// SetPingErr sets the error Ping returns.
func (f *Fake) SetPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

var _ engine.Client = (*Fake)(nil)

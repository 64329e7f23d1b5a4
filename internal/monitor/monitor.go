// Package monitor follows the engine event stream and hands stopped
// containers to the restart workflow.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reviver/internal/engine"
	"reviver/internal/metrics"
	"reviver/internal/store"
	"reviver/pkg/logging"
)

// ErrStreamClosed is returned by Start when the engine ends the event
// stream while the monitor is still supposed to run.
var ErrStreamClosed = errors.New("engine event stream closed")

// TriggerSweep marks restarts found by the startup sweep rather than an
// event.
const TriggerSweep = "sweep"

// Dispatcher starts a restart without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, id string, attempt int, trigger string)
}

// Publisher pushes live updates to connected clients.
type Publisher interface {
	Publish(ctx context.Context, v any)
}

type Options struct {
	RestartWindow  time.Duration
	HealthInterval time.Duration

	Metrics   *metrics.Collector
	Publisher Publisher
}

// EventUpdate is published for every container event the monitor acts on.
type EventUpdate struct {
	Type        string    `json:"type"`
	ContainerID string    `json:"container_id"`
	Name        string    `json:"name,omitempty"`
	Action      string    `json:"action"`
	Attempt     int       `json:"attempt,omitempty"`
	Time        time.Time `json:"time"`
}

type Monitor struct {
	engine    engine.Client
	store     *store.Store
	restarter Dispatcher
	restarts  *restartTracker
	opts      Options
	log       *logging.Logger
	now       func() time.Time

	// updates decouples slow live-feed clients from the event loop.
	updates chan any
}

const updateBuffer = 256

func New(eng engine.Client, st *store.Store, restarter Dispatcher, log *logging.Logger, opts Options) *Monitor {
	return &Monitor{
		engine:    eng,
		store:     st,
		restarter: restarter,
		restarts:  newRestartTracker(opts.RestartWindow),
		opts:      opts,
		log:       log.With("component", "monitor"),
		now:       time.Now,
		updates:   make(chan any, updateBuffer),
	}
}

// Start loads the current containers, heals those already stopped and then
// follows the event stream until ctx is cancelled or the stream ends.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.loadExisting(ctx); err != nil {
		return err
	}

	if m.opts.Publisher != nil {
		go m.forwardUpdates(ctx)
	}

	// Subscribe before the sweep so events caused by its restarts are seen.
	events, errs := m.engine.Events(ctx)

	if err := m.sweep(ctx); err != nil {
		return err
	}

	go m.watchEngine(ctx)

	m.log.Info("watching container events")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.log.Error("event stream error", "error", err)
		case e, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrStreamClosed
			}
			m.handleEvent(ctx, e)
		}
	}
}

// loadExisting snapshots every container the engine knows about. Entries
// already in the store are left alone.
func (m *Monitor) loadExisting(ctx context.Context) error {
	items, err := m.engine.ListContainers(ctx, true,
		engine.StatusRunning, engine.StatusCreated, engine.StatusExited, engine.StatusPaused)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	loaded := 0
	for _, c := range items {
		detail, err := m.engine.InspectContainer(ctx, c.ID)
		if err != nil {
			m.log.Warn("inspect failed, skipping container", "container_id", c.ID, "error", err)
			continue
		}
		if m.store.Load(store.NewConfig(detail)) {
			loaded++
		}
	}
	m.opts.Metrics.SetTracked(m.store.Len())
	m.log.Info("loaded container configurations", "count", loaded, "listed", len(items))
	return nil
}

// sweep runs the stop path for containers that were already down before
// the monitor started.
func (m *Monitor) sweep(ctx context.Context) error {
	items, err := m.engine.ListContainers(ctx, true, engine.StatusExited, engine.StatusDead)
	if err != nil {
		return fmt.Errorf("list stopped containers: %w", err)
	}
	for _, c := range items {
		m.log.Info("found stopped container", "container_id", c.ID, "status", c.Status)
		m.handleStop(ctx, c.ID, TriggerSweep)
	}
	return nil
}

func (m *Monitor) handleEvent(ctx context.Context, e engine.Event) {
	if e.Type != "container" {
		return
	}
	action, _, _ := strings.Cut(e.Action, ":")
	m.opts.Metrics.ObserveEvent(action)

	if e.ActorID == "" {
		m.log.Warn("container event without actor id", "action", e.Action)
		return
	}

	switch action {
	case "die", "stop", "kill", "exited":
		m.log.Debug("container event", "container_id", e.ActorID, "action", action)
		m.handleStop(ctx, e.ActorID, action)
	case "start":
		m.log.Debug("container event", "container_id", e.ActorID, "action", action)
		m.handleStart(ctx, e.ActorID)
	}
}

func (m *Monitor) handleStop(ctx context.Context, id, trigger string) {
	attempt := m.restarts.record(id, m.now())

	var name string
	if c, ok := m.store.Get(id); ok {
		name = c.Name
	}
	m.publish(EventUpdate{
		Type:        "container",
		ContainerID: id,
		Name:        name,
		Action:      trigger,
		Attempt:     attempt,
		Time:        m.now().UTC(),
	})

	m.restarter.Dispatch(ctx, id, attempt, trigger)
	m.log.Info("container stopped, restart dispatched", "container_id", id, "name", name, "trigger", trigger, "attempt", attempt)
}

// handleStart forgets the debounce state of id and refreshes its snapshot.
func (m *Monitor) handleStart(ctx context.Context, id string) {
	m.restarts.reset(id)

	detail, err := m.engine.InspectContainer(ctx, id)
	if err != nil {
		m.log.Warn("inspect failed after start", "container_id", id, "error", err)
		return
	}
	m.store.Put(store.NewConfig(detail))
	m.opts.Metrics.SetTracked(m.store.Len())
	m.publish(EventUpdate{
		Type:        "container",
		ContainerID: id,
		Name:        detail.Name,
		Action:      "start",
		Time:        m.now().UTC(),
	})
}

// watchEngine pings the engine and logs when it goes away or comes back.
func (m *Monitor) watchEngine(ctx context.Context) {
	if m.opts.HealthInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	up := true
	m.opts.Metrics.SetEngineUp(true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			up = m.checkEngine(ctx, up)
		}
	}
}

func (m *Monitor) checkEngine(ctx context.Context, wasUp bool) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := m.engine.Ping(pingCtx)
	cancel()

	up := err == nil
	m.opts.Metrics.SetEngineUp(up)
	switch {
	case wasUp && !up:
		m.log.Error("engine unreachable", "error", fmt.Errorf("%w: %w", engine.ErrConnection, err))
	case !wasUp && up:
		m.log.Info("engine reachable again")
	}
	return up
}

// publish queues v for the live feed without blocking the event loop. When
// the queue is full the update is dropped.
func (m *Monitor) publish(v any) {
	if m.opts.Publisher == nil {
		return
	}
	select {
	case m.updates <- v:
	default:
		m.log.Warn("live feed backlog full, dropping update")
	}
}

func (m *Monitor) forwardUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-m.updates:
			m.opts.Publisher.Publish(ctx, v)
		}
	}
}

// Package restart rebuilds a stopped container from its stored
// configuration: stop, remove, create under the same name, start, verify.
package restart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"reviver/internal/engine"
	"reviver/internal/journal"
	"reviver/internal/metrics"
	"reviver/internal/notify"
	"reviver/internal/store"
	"reviver/pkg/logging"

	"github.com/moby/moby/api/types/container"
)

// stopGrace is added to the stop timeout for the context deadline so the
// engine gets a chance to report its own kill first.
var stopGrace = 5 * time.Second

// Publisher pushes live updates to connected clients.
type Publisher interface {
	Publish(ctx context.Context, v any)
}

// Notifier delivers operator alerts. *notify.Telegram satisfies it, nil
// included.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

type Options struct {
	StopTimeout time.Duration
	SettleDelay time.Duration
	VerifyDelay time.Duration

	Journal   *journal.Journal
	Metrics   *metrics.Collector
	Notifier  Notifier
	Publisher Publisher
}

// Update is published when a restart starts and when it finishes.
type Update struct {
	Type           string    `json:"type"`
	ContainerID    string    `json:"container_id"`
	NewContainerID string    `json:"new_container_id,omitempty"`
	Name           string    `json:"name"`
	Attempt        int       `json:"attempt"`
	Trigger        string    `json:"trigger"`
	Status         string    `json:"status"`
	Step           string    `json:"step,omitempty"`
	Error          string    `json:"error,omitempty"`
	Time           time.Time `json:"time"`
}

type Restarter struct {
	engine engine.Client
	store  *store.Store
	opts   Options
	log    *logging.Logger

	sleep func(ctx context.Context, d time.Duration) error
	wg    sync.WaitGroup
}

func New(eng engine.Client, st *store.Store, log *logging.Logger, opts Options) *Restarter {
	return &Restarter{
		engine: eng,
		store:  st,
		opts:   opts,
		log:    log.With("component", "restart"),
		sleep:  sleepCtx,
	}
}

// Dispatch runs the workflow for id in its own goroutine. Every call starts
// a run, even while another run for the same id is in progress; the loser
// of such a race fails on a container that is already gone. The run
// outlives ctx's cancellation but keeps its values; Wait observes it.
func (r *Restarter) Dispatch(ctx context.Context, id string, attempt int, trigger string) {
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx, id, attempt, trigger)
	}()
}

// Wait blocks until every dispatched restart has finished or ctx is done.
func (r *Restarter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Restarter) run(ctx context.Context, id string, attempt int, trigger string) {
	var name string
	if c, ok := r.store.Get(id); ok {
		name = c.Name
	}
	log := r.log.With("container_id", id, "name", name, "attempt", attempt, "trigger", trigger)
	log.Info("restarting container")

	finish := r.opts.Metrics.RestartStarted(trigger)
	jid, err := r.opts.Journal.Begin(ctx, journal.Attempt{
		ContainerID: id,
		Name:        name,
		Attempt:     attempt,
		Trigger:     trigger,
	})
	if err != nil {
		log.Warn("journal write failed", "error", err)
	}
	update := Update{
		Type:        "restart",
		ContainerID: id,
		Name:        name,
		Attempt:     attempt,
		Trigger:     trigger,
		Status:      journal.StatusPending,
		Time:        time.Now().UTC(),
	}
	r.publish(ctx, update)

	newID, err := r.Restart(ctx, id)

	var step string
	var wfErr *WorkflowError
	if errors.As(err, &wfErr) {
		step = wfErr.Step
	}
	finish(step, err)
	r.opts.Metrics.SetTracked(r.store.Len())
	if jerr := r.opts.Journal.Finish(ctx, jid, newID, err); jerr != nil {
		log.Warn("journal write failed", "error", jerr)
	}

	update.NewContainerID = newID
	update.Time = time.Now().UTC()
	if err != nil {
		update.Status = journal.StatusFailed
		update.Step = step
		update.Error = err.Error()
		r.publish(ctx, update)
		if superseded(err) {
			log.Warn("restart superseded", "step", step, "error", err)
			return
		}
		log.Error("restart failed", "step", step, "new_container_id", newID, "error", err)
		if r.opts.Notifier == nil {
			return
		}
		if nerr := r.opts.Notifier.Send(ctx, notify.RestartFailed(name, id, attempt, err)); nerr != nil {
			log.Warn("telegram send failed", "error", nerr)
		}
		return
	}
	update.Status = journal.StatusSucceeded
	r.publish(ctx, update)
	log.Info("container restarted", "new_container_id", newID)
}

// Restart recreates container id from its stored configuration and returns
// the new container id. Once the new container exists the store entry is
// keyed by it, so a non-empty id can come back together with an error.
func (r *Restarter) Restart(ctx context.Context, id string) (string, error) {
	cfg, ok := r.store.Get(id)
	if !ok {
		return "", &WorkflowError{ContainerID: id, Step: StepConfig, Err: ErrNoConfig}
	}
	log := r.log.With("container_id", id, "name", cfg.Name)

	if err := r.stop(ctx, id, log); err != nil {
		return "", &WorkflowError{ContainerID: id, Step: StepStop, Err: err}
	}
	if err := r.sleep(ctx, r.opts.SettleDelay); err != nil {
		return "", &WorkflowError{ContainerID: id, Step: StepSettle, Err: err}
	}

	log.Debug("removing container")
	if err := r.engine.RemoveContainer(ctx, id, false); err != nil {
		return "", &WorkflowError{ContainerID: id, Step: StepRemove, Err: err}
	}

	log.Debug("creating container")
	newID, err := r.engine.CreateContainer(ctx, cfg.Name, recreateSpec(cfg))
	if err != nil {
		return "", &WorkflowError{ContainerID: id, Step: StepCreate, Err: err}
	}

	// The old id is gone from the engine now; the entry must follow the
	// new one even if the steps below fail.
	next := cfg
	next.ContainerID = newID
	next.IPAddress = ""
	next.UpdatedAt = time.Now().UTC()
	r.store.Replace(id, next)

	log.Debug("starting container", "new_container_id", newID)
	if err := r.engine.StartContainer(ctx, newID); err != nil {
		return newID, &WorkflowError{ContainerID: id, Step: StepStart, Err: err}
	}

	if err := r.sleep(ctx, r.opts.VerifyDelay); err != nil {
		return newID, &WorkflowError{ContainerID: id, Step: StepVerify, Err: err}
	}
	detail, err := r.engine.InspectContainer(ctx, newID)
	if err != nil {
		return newID, &WorkflowError{ContainerID: id, Step: StepVerify, Err: err}
	}
	if !detail.Running {
		return newID, &WorkflowError{ContainerID: id, Step: StepVerify, Err: fmt.Errorf("%w: status %s", ErrNotRunning, detail.Status)}
	}

	if detail.IPAddress != "" {
		r.store.Update(newID, func(c store.ContainerConfig) store.ContainerConfig {
			c.IPAddress = detail.IPAddress
			return c
		})
	}
	return newID, nil
}

// stop asks the engine to stop id, escalating to kill when the stop call
// fails or outlives its deadline. A container that is already down counts
// as stopped.
func (r *Restarter) stop(ctx context.Context, id string, log *logging.Logger) error {
	stopCtx, cancel := context.WithTimeout(ctx, r.opts.StopTimeout+stopGrace)
	stopErr := r.engine.StopContainer(stopCtx, id, r.opts.StopTimeout)
	cancel()
	if stopErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	log.Warn("stop failed, killing container", "error", stopErr)
	killErr := r.engine.KillContainer(ctx, id)
	if killErr == nil || engine.IsConflict(killErr) {
		return nil
	}
	return fmt.Errorf("stop: %w; kill: %w", stopErr, killErr)
}

func recreateSpec(cfg store.ContainerConfig) engine.CreateSpec {
	var c container.Config
	if cfg.Config != nil {
		c = *cfg.Config
	}
	c.Image = cfg.Image
	spec := engine.CreateSpec{Config: &c}
	if cfg.HostConfig != nil {
		hc := *cfg.HostConfig
		spec.HostConfig = &hc
	}
	return spec
}

func (r *Restarter) publish(ctx context.Context, v any) {
	if r.opts.Publisher == nil {
		return
	}
	r.opts.Publisher.Publish(ctx, v)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

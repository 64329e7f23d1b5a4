// Package manager implements the explicit container operations behind the
// HTTP API: create, update, remove and snapshot reads.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"reviver/internal/engine"
	"reviver/internal/metrics"
	"reviver/internal/store"
	"reviver/pkg/logging"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// StatusUnknown is reported when the engine cannot tell a container's state.
const StatusUnknown = "unknown"

const removeStopTimeout = 10 * time.Second

type CreateRequest struct {
	Name   string   `json:"name"`
	Image  string   `json:"image"`
	Ports  []string `json:"ports"`
	Mounts []string `json:"mounts"`
	Env    []string `json:"env"`
}

type Manager struct {
	engine  engine.Client
	store   *store.Store
	metrics *metrics.Collector
	log     *logging.Logger
}

func New(eng engine.Client, st *store.Store, m *metrics.Collector, log *logging.Logger) *Manager {
	return &Manager{
		engine:  eng,
		store:   st,
		metrics: m,
		log:     log.With("component", "manager"),
	}
}

// prepared is a validated CreateRequest, ready to hand to the engine.
type prepared struct {
	name     string
	image    string
	env      []string
	exposed  network.PortSet
	bindings network.PortMap
	binds    []string
}

func prepare(req CreateRequest) (prepared, error) {
	image, err := NormalizeImage(req.Image)
	if err != nil {
		return prepared{}, err
	}
	if err := validateName(req.Name); err != nil {
		return prepared{}, err
	}
	exposed, bindings, err := parsePorts(req.Ports)
	if err != nil {
		return prepared{}, err
	}
	binds, err := parseBinds(req.Mounts)
	if err != nil {
		return prepared{}, err
	}
	if err := validateEnv(req.Env); err != nil {
		return prepared{}, err
	}
	return prepared{
		name:     req.Name,
		image:    image,
		env:      req.Env,
		exposed:  exposed,
		bindings: bindings,
		binds:    binds,
	}, nil
}

// Create pulls the image, creates and starts the container and records its
// configuration. A container that fails to start is removed again.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (store.ContainerConfig, error) {
	p, err := prepare(req)
	if err != nil {
		return store.ContainerConfig{}, err
	}
	return m.create(ctx, p)
}

func (m *Manager) create(ctx context.Context, p prepared) (store.ContainerConfig, error) {
	log := m.log.With("name", p.name, "image", p.image)
	if err := m.pull(ctx, p.image, log); err != nil {
		return store.ContainerConfig{}, fmt.Errorf("pull %s: %w", p.image, err)
	}

	cfg := &container.Config{
		Image:        p.image,
		Env:          p.env,
		ExposedPorts: p.exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: p.bindings,
		Binds:        p.binds,
	}
	id, err := m.engine.CreateContainer(ctx, p.name, engine.CreateSpec{Config: cfg, HostConfig: hostCfg})
	if err != nil {
		return store.ContainerConfig{}, fmt.Errorf("create container: %w", err)
	}
	if err := m.engine.StartContainer(ctx, id); err != nil {
		if rmErr := m.engine.RemoveContainer(ctx, id, true); rmErr != nil {
			log.Warn("cleanup after failed start", "container_id", id, "error", rmErr)
		}
		return store.ContainerConfig{}, fmt.Errorf("start container: %w", err)
	}

	entry := store.ContainerConfig{
		ContainerID: id,
		Name:        p.name,
		Image:       p.image,
		Config:      cfg,
		HostConfig:  hostCfg,
	}
	if detail, err := m.engine.InspectContainer(ctx, id); err == nil {
		entry = store.NewConfig(detail)
		entry.Image = p.image
	} else {
		log.Warn("inspect after create", "container_id", id, "error", err)
	}
	m.store.Put(entry)
	m.metrics.SetTracked(m.store.Len())
	log.Info("container created", "container_id", id)

	stored, _ := m.store.Get(id)
	return stored, nil
}

// Update replaces container id with one built from req. The request is
// validated up front; after that the old container is removed first, so a
// failed create leaves neither.
func (m *Manager) Update(ctx context.Context, id string, req CreateRequest) (store.ContainerConfig, error) {
	p, err := prepare(req)
	if err != nil {
		return store.ContainerConfig{}, err
	}
	if err := m.Remove(ctx, id); err != nil {
		return store.ContainerConfig{}, err
	}
	return m.create(ctx, p)
}

// Remove stops and deletes container id and forgets its configuration.
func (m *Manager) Remove(ctx context.Context, id string) error {
	log := m.log.With("container_id", id)
	if err := m.engine.StopContainer(ctx, id, removeStopTimeout); err != nil {
		log.Debug("stop before remove", "error", err)
	}
	if err := m.engine.RemoveContainer(ctx, id, true); err != nil {
		if engine.IsNotFound(err) && m.store.Remove(id) {
			m.metrics.SetTracked(m.store.Len())
			log.Info("forgot container removed outside reviver")
		}
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	m.store.Remove(id)
	m.metrics.SetTracked(m.store.Len())
	log.Info("container removed")
	return nil
}

func (m *Manager) Configs() []store.ContainerConfig {
	return m.store.List()
}

func (m *Manager) Config(id string) (store.ContainerConfig, bool) {
	return m.store.Get(id)
}

// Status asks the engine for the live status of id.
func (m *Manager) Status(ctx context.Context, id string) string {
	detail, err := m.engine.InspectContainer(ctx, id)
	if err != nil || detail.Status == "" {
		return StatusUnknown
	}
	return detail.Status
}

// pull fetches image, logging each layer status once.
func (m *Manager) pull(ctx context.Context, image string, log *logging.Logger) error {
	var mu sync.Mutex
	seen := make(map[string]string)
	log.Info("pulling image")
	return m.engine.PullImage(ctx, image, func(p engine.PullProgress) {
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := seen[p.ID]; ok && prev == p.Status {
			return
		}
		seen[p.ID] = p.Status
		if p.ID == "" {
			log.Info("pull", "status", p.Status)
			return
		}
		log.Debug("pull", "layer", p.ID, "status", p.Status, "progress", p.Progress)
	})
}

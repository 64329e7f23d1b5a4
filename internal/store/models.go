package store

import (
	"time"

	"reviver/internal/engine"

	"github.com/moby/moby/api/types/container"
)

// ContainerConfig is the last known configuration of one container. Config
// and HostConfig are opaque engine snapshots used to recreate it.
type ContainerConfig struct {
	ContainerID string
	Name        string
	Image       string
	Config      *container.Config
	HostConfig  *container.HostConfig
	IPAddress   string
	UpdatedAt   time.Time
}

// Env returns the environment recorded in the runtime config.
func (c ContainerConfig) Env() []string {
	if c.Config == nil {
		return nil
	}
	return c.Config.Env
}

// NewConfig snapshots an inspect result.
func NewConfig(d engine.ContainerDetail) ContainerConfig {
	return ContainerConfig{
		ContainerID: d.ID,
		Name:        d.Name,
		Image:       d.Image,
		Config:      d.Config,
		HostConfig:  d.HostConfig,
		IPAddress:   d.IPAddress,
		UpdatedAt:   time.Now().UTC(),
	}
}

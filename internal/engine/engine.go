// Package engine is the boundary to the local container engine. The rest of
// the daemon talks to the engine only through Client.
package engine

import (
	"context"
	"errors"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
)

// ErrConnection marks failures to reach the engine at all.
var ErrConnection = errors.New("engine unreachable")

// Container statuses accepted by ListContainers.
const (
	StatusRunning = "running"
	StatusCreated = "created"
	StatusExited  = "exited"
	StatusPaused  = "paused"
	StatusDead    = "dead"
)

// Client is the capability set the reconciler needs from the engine.
type Client interface {
	ListContainers(ctx context.Context, all bool, statuses ...string) ([]ContainerSummary, error)
	InspectContainer(ctx context.Context, id string) (ContainerDetail, error)
	// Events subscribes to the engine event stream. The error channel is
	// closed when the stream ends; the event channel is closed right after.
	Events(ctx context.Context) (<-chan Event, <-chan error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	KillContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	CreateContainer(ctx context.Context, name string, spec CreateSpec) (string, error)
	PullImage(ctx context.Context, ref string, progress func(PullProgress)) error
	Ping(ctx context.Context) error
}

type ContainerSummary struct {
	ID     string
	Names  []string
	Image  string
	Status string
}

// ContainerDetail is the subset of an inspect the reconciler cares about.
// Config and HostConfig are kept verbatim so a container can be recreated
// from them.
type ContainerDetail struct {
	ID         string
	Name       string
	Image      string
	Status     string
	Running    bool
	Config     *container.Config
	HostConfig *container.HostConfig
	IPAddress  string
}

type Event struct {
	Type       string
	Action     string
	ActorID    string
	Attributes map[string]string
	Time       time.Time
}

type CreateSpec struct {
	Config     *container.Config
	HostConfig *container.HostConfig
}

type PullProgress struct {
	ID       string
	Status   string
	Progress string
	Error    string
}

// IsNotFound reports whether err means the container (or image) is gone.
func IsNotFound(err error) bool {
	return cerrdefs.IsNotFound(err)
}

// IsConflict reports whether the engine refused the call because of the
// container's current state, e.g. killing a container that is not running.
func IsConflict(err error) bool {
	return cerrdefs.IsConflict(err)
}

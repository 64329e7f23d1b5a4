package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reviver/pkg/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/client"
)

// Docker implements Client on top of the moby SDK.
type Docker struct {
	cli *client.Client
	log *logging.Logger
}

// Connect creates a client for host and pings the daemon, retrying up to
// attempts times one second apart.
func Connect(ctx context.Context, host string, attempts int, log *logging.Logger) (*Docker, error) {
	cli, err := client.New(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	d := &Docker{cli: cli, log: log.With("component", "engine")}

	if attempts < 1 {
		attempts = 1
	}
	try := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), uint64(attempts-1)), ctx)
	err = backoff.Retry(func() error {
		try++
		if err := d.Ping(ctx); err != nil {
			d.log.Warn("engine ping failed", "host", host, "attempt", try, "attempts", attempts, "error", err)
			return err
		}
		return nil
	}, policy)
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w at %s: %v", ErrConnection, host, err)
	}
	d.log.Info("engine connected", "host", host)
	return d, nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx, client.PingOptions{NegotiateAPIVersion: true})
	return err
}

func (d *Docker) ListContainers(ctx context.Context, all bool, statuses ...string) ([]ContainerSummary, error) {
	filters := client.Filters{}
	if len(statuses) > 0 {
		filters.Add("status", statuses...)
	}
	result, err := d.cli.ContainerList(ctx, client.ContainerListOptions{All: all, Filters: filters})
	if err != nil {
		return nil, err
	}
	out := make([]ContainerSummary, 0, len(result.Items))
	for _, c := range result.Items {
		out = append(out, ContainerSummary{
			ID:     c.ID,
			Names:  c.Names,
			Image:  c.Image,
			Status: string(c.State),
		})
	}
	return out, nil
}

func (d *Docker) InspectContainer(ctx context.Context, id string) (ContainerDetail, error) {
	result, err := d.cli.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return ContainerDetail{}, err
	}
	return detailFromInspect(result.Container), nil
}

func (d *Docker) Events(ctx context.Context) (<-chan Event, <-chan error) {
	out := make(chan Event)
	errs := make(chan error, 1)
	stream := d.cli.Events(ctx, client.EventsListOptions{})

	go func() {
		defer close(out)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case err, ok := <-stream.Err:
				if ok && err != nil {
					errs <- err
				}
				return
			case msg := <-stream.Messages:
				select {
				case out <- eventFromMessage(msg):
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
	}()
	return out, errs
}

func (d *Docker) StartContainer(ctx context.Context, id string) error {
	_, err := d.cli.ContainerStart(ctx, id, client.ContainerStartOptions{})
	return err
}

func (d *Docker) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	_, err := d.cli.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &secs})
	return err
}

func (d *Docker) KillContainer(ctx context.Context, id string) error {
	_, err := d.cli.ContainerKill(ctx, id, client.ContainerKillOptions{})
	return err
}

func (d *Docker) RemoveContainer(ctx context.Context, id string, force bool) error {
	_, err := d.cli.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: force})
	return err
}

func (d *Docker) CreateContainer(ctx context.Context, name string, spec CreateSpec) (string, error) {
	result, err := d.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:       name,
		Config:     spec.Config,
		HostConfig: spec.HostConfig,
	})
	if err != nil {
		return "", err
	}
	for _, warning := range result.Warnings {
		d.log.Warn("create warning", "name", name, "warning", warning)
	}
	return result.ID, nil
}

func (d *Docker) PullImage(ctx context.Context, ref string, progress func(PullProgress)) error {
	resp, err := d.cli.ImagePull(ctx, ref, client.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer resp.Close()

	for msg, err := range resp.JSONMessages(ctx) {
		if err != nil {
			return err
		}
		p := PullProgress{ID: msg.ID, Status: msg.Status}
		if msg.Progress != nil && msg.Progress.Total > 0 {
			p.Progress = fmt.Sprintf("%d/%d", msg.Progress.Current, msg.Progress.Total)
		}
		if msg.Error != nil {
			p.Error = msg.Error.Message
		}
		if progress != nil {
			progress(p)
		}
		if p.Error != "" {
			return errors.New(p.Error)
		}
	}
	return nil
}

func detailFromInspect(inspect container.InspectResponse) ContainerDetail {
	d := ContainerDetail{
		ID:         inspect.ID,
		Name:       strings.TrimPrefix(inspect.Name, "/"),
		Status:     "unknown",
		Config:     inspect.Config,
		HostConfig: inspect.HostConfig,
	}
	if inspect.Config != nil {
		d.Image = inspect.Config.Image
	}
	if d.Image == "" {
		d.Image = inspect.Image
	}
	if inspect.State != nil {
		d.Status = string(inspect.State.Status)
		d.Running = inspect.State.Running
	}
	if inspect.NetworkSettings != nil {
		for _, ep := range inspect.NetworkSettings.Networks {
			if ep != nil && ep.IPAddress.IsValid() {
				d.IPAddress = ep.IPAddress.String()
				break
			}
		}
	}
	return d
}

func eventFromMessage(msg events.Message) Event {
	e := Event{
		Type:       string(msg.Type),
		Action:     string(msg.Action),
		ActorID:    msg.Actor.ID,
		Attributes: msg.Actor.Attributes,
	}
	if msg.TimeNano > 0 {
		e.Time = time.Unix(0, msg.TimeNano).UTC()
	} else if msg.Time > 0 {
		e.Time = time.Unix(msg.Time, 0).UTC()
	}
	return e
}

var _ Client = (*Docker)(nil)

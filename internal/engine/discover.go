package engine

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"
)

const defaultSocket = "/var/run/docker.sock"

// DiscoverHost picks the engine endpoint: DOCKER_HOST if set, the default
// socket if it exists, otherwise the endpoint of the active docker CLI
// context. Falls back to the default socket.
func DiscoverHost(ctx context.Context) string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if _, err := os.Stat(defaultSocket); err == nil {
		return "unix://" + defaultSocket
	}
	if host := contextHost(ctx); host != "" {
		return host
	}
	return "unix://" + defaultSocket
}

func contextHost(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err != nil {
		return ""
	}
	return parseContextHost(string(out))
}

func parseContextHost(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "://") {
			return line
		}
	}
	return ""
}

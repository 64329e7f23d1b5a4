package manager

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/distribution/reference"
	"github.com/moby/moby/api/types/network"
)

var validName = regexp.MustCompile(`^/?[a-zA-Z0-9][a-zA-Z0-9_.-]+$`)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", cerrdefs.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// NormalizeImage returns the familiar form of image with the default tag
// applied: "redis" becomes "redis:latest". Digest references are kept.
func NormalizeImage(image string) (string, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return "", invalid("image is required")
	}
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", invalid("image %q: %v", image, err)
	}
	return reference.FamiliarString(reference.TagNameOnly(named)), nil
}

func validateName(name string) error {
	if name == "" {
		return nil
	}
	if !validName.MatchString(name) {
		return invalid("container name %q", name)
	}
	return nil
}

// parsePorts turns "container", "host:container" and "ip:host:container"
// specs into exposed ports and bindings. The protocol defaults to tcp. A
// bare container port is published on a random host port.
func parsePorts(specs []string) (network.PortSet, network.PortMap, error) {
	if len(specs) == 0 {
		return nil, nil, nil
	}
	exposed := make(network.PortSet, len(specs))
	bindings := make(network.PortMap, len(specs))

	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		var hostIP, hostPort, containerPort string
		parts := strings.Split(spec, ":")
		switch len(parts) {
		case 1:
			containerPort = parts[0]
		case 2:
			hostPort, containerPort = parts[0], parts[1]
		case 3:
			hostIP, hostPort, containerPort = parts[0], parts[1], parts[2]
		default:
			return nil, nil, invalid("port %q", spec)
		}

		if containerPort == "" {
			return nil, nil, invalid("port %q: container port is required", spec)
		}
		if !strings.Contains(containerPort, "/") {
			containerPort += "/tcp"
		}
		port, err := network.ParsePort(containerPort)
		if err != nil {
			return nil, nil, invalid("port %q: %v", spec, err)
		}

		binding := network.PortBinding{HostPort: hostPort}
		if hostPort != "" {
			if n, err := strconv.ParseUint(hostPort, 10, 16); err != nil || n == 0 {
				return nil, nil, invalid("port %q: host port %q", spec, hostPort)
			}
		}
		if hostIP != "" {
			addr, err := netip.ParseAddr(hostIP)
			if err != nil {
				return nil, nil, invalid("port %q: host ip %q", spec, hostIP)
			}
			binding.HostIP = addr
		}

		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], binding)
	}
	return exposed, bindings, nil
}

// parseBinds validates "src:dst[:mode]" bind specs.
func parseBinds(specs []string) ([]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	binds := make([]string, 0, len(specs))
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, invalid("mount %q: expected src:dst[:mode]", spec)
		}
		if !strings.HasPrefix(parts[1], "/") {
			return nil, invalid("mount %q: destination must be absolute", spec)
		}
		binds = append(binds, spec)
	}
	return binds, nil
}

func validateEnv(env []string) error {
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if strings.TrimSpace(key) == "" {
			return invalid("env %q: empty name", kv)
		}
	}
	return nil
}

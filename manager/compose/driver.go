// Package compose drives per-instance docker compose stacks. The driver is
// stateless between calls: everything it needs to act on a stack is carried
// in the StackHandle stored on the instance's registry record.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when a driver call exceeds its configured
	// budget. The lifecycle manager treats it as transient and retries
	// bring-up once before marking the instance Failed.
	ErrTimeout = errors.New("container operation timed out")

	// ErrRuntimeUnavailable is returned by Ping when the docker daemon
	// cannot be reached.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
)

// pingTimeout bounds the startup reachability probe.
const pingTimeout = 10 * time.Second

// Health is the observed condition of a stack.
type Health int

const (
	// HealthUnknown means the stack's condition could not be determined.
	HealthUnknown Health = iota
	// HealthHealthy means every container is running and passing its
	// health check.
	HealthHealthy
	// HealthUnhealthy means at least one container is down or failing.
	HealthUnhealthy
)

// String returns a string representation of the Health.
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// StackHandle is the opaque reference to one instance's orchestrated stack.
type StackHandle struct {
	// Dir is the instance workspace containing the rendered compose file
	// and env file.
	Dir string
	// Project is the compose project name the stack runs under.
	Project string
}

// Driver is the container-orchestration boundary the lifecycle manager and
// status monitor call through. Implementations must be safe for concurrent
// use.
type Driver interface {
	BringUp(ctx context.Context, name string, port int) (StackHandle, error)
	TearDown(ctx context.Context, handle StackHandle) error
	InspectHealth(ctx context.Context, handle StackHandle) (Health, error)
	TailLogs(ctx context.Context, handle StackHandle, lines int) ([]string, error)
}

// Options configures a ComposeDriver.
type Options struct {
	InstancesRoot       string
	TemplateComposeFile string
	TemplateEnvFile     string

	// DefaultPort is the port number the compose template references;
	// occurrences are rewritten to the instance's allocated port when the
	// workspace is rendered. Zero disables the rewrite.
	DefaultPort int

	ComposeTimeout     time.Duration
	HealthCheckTimeout time.Duration
	Logger             *slog.Logger
}

// ComposeDriver runs docker compose subprocesses, each bounded by the
// configured timeout.
type ComposeDriver struct {
	opts   Options
	logger *slog.Logger
}

// For mocking in tests.
var runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// NewComposeDriver creates a driver for stacks rendered from the configured
// templates.
func NewComposeDriver(opts Options) *ComposeDriver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ComposeDriver{
		opts:   opts,
		logger: logger.With("component", "ComposeDriver"),
	}
}

// Ping verifies the docker daemon is reachable. Unreachability is a fatal
// startup precondition, not a per-instance error.
func (d *ComposeDriver) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if out, err := runCommand(ctx, "docker", "info", "--format", "{{.ServerVersion}}"); err != nil {
		return fmt.Errorf("%w: %v (%s)", ErrRuntimeUnavailable, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// BringUp renders the instance workspace and starts the stack, waiting for
// it to come up within the compose timeout.
func (d *ComposeDriver) BringUp(ctx context.Context, name string, port int) (StackHandle, error) {
	handle, err := d.renderWorkspace(name, port)
	if err != nil {
		return StackHandle{}, err
	}

	d.logger.Info("Bringing up stack", "instance", name, "port", port, "project", handle.Project)
	out, err := d.compose(ctx, d.opts.ComposeTimeout, handle, "up", "-d", "--wait")
	if err != nil {
		return StackHandle{}, fmt.Errorf("failed to bring up stack for %s: %w (%s)",
			name, err, strings.TrimSpace(string(out)))
	}
	return handle, nil
}

// TearDown stops the stack and removes its containers and volumes.
func (d *ComposeDriver) TearDown(ctx context.Context, handle StackHandle) error {
	d.logger.Info("Tearing down stack", "project", handle.Project)
	out, err := d.compose(ctx, d.opts.ComposeTimeout, handle, "down", "-v")
	if err != nil {
		return fmt.Errorf("failed to tear down stack %s: %w (%s)",
			handle.Project, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// InspectHealth reports the stack's condition from docker compose ps.
func (d *ComposeDriver) InspectHealth(ctx context.Context, handle StackHandle) (Health, error) {
	out, err := d.compose(ctx, d.opts.HealthCheckTimeout, handle, "ps", "-a", "--format", "{{.State}} {{.Health}}")
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return HealthUnknown, err
		}
		return HealthUnknown, fmt.Errorf("failed to inspect stack %s: %w", handle.Project, err)
	}
	return ParseHealth(string(out)), nil
}

// TailLogs returns up to lines of the stack's most recent log output.
func (d *ComposeDriver) TailLogs(ctx context.Context, handle StackHandle, lines int) ([]string, error) {
	out, err := d.compose(ctx, d.opts.HealthCheckTimeout, handle,
		"logs", "--no-color", "--tail", strconv.Itoa(lines))
	if err != nil {
		return nil, fmt.Errorf("failed to tail logs for %s: %w", handle.Project, err)
	}

	raw := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	result := make([]string, 0, len(raw))
	for _, line := range raw {
		if line != "" {
			result = append(result, line)
		}
	}
	return result, nil
}

// compose runs a docker compose subcommand against the handle's project,
// bounded by the given timeout. A deadline overrun surfaces as ErrTimeout.
func (d *ComposeDriver) compose(ctx context.Context, timeout time.Duration, handle StackHandle, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	full := append([]string{
		"compose",
		"--project-directory", handle.Dir,
		"--project-name", handle.Project,
	}, args...)

	out, err := runCommand(ctx, "docker", full...)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("%w after %v: docker %s", ErrTimeout, timeout, strings.Join(args, " "))
	}
	return out, err
}

// ParseHealth interprets `docker compose ps --format "{{.State}} {{.Health}}"`
// output: one container per line. The stack is healthy only when every
// container is running and none reports an unhealthy check. No containers
// at all means the condition is unknown.
func ParseHealth(psOutput string) Health {
	lines := strings.Split(strings.TrimSpace(psOutput), "\n")
	sawContainer := false
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		sawContainer = true

		state := strings.ToLower(fields[0])
		health := ""
		if len(fields) > 1 {
			health = strings.ToLower(fields[1])
		}

		if state != "running" {
			return HealthUnhealthy
		}
		switch health {
		case "", "healthy":
			// No health check defined, or passing.
		case "starting":
			return HealthUnknown
		default:
			return HealthUnhealthy
		}
	}
	if !sawContainer {
		return HealthUnknown
	}
	return HealthHealthy
}

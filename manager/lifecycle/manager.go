// Package lifecycle orchestrates instance creation, health verification,
// steady-state monitoring, and teardown. The state machine lives here: every
// transition an instance makes goes through the Manager while it holds that
// instance's lock, so a given instance's transitions form a total order.
// Operations on different instances never block each other.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loradepo/loradb-manager/manager/audit"
	"github.com/loradepo/loradb-manager/manager/compose"
	"github.com/loradepo/loradb-manager/manager/logtail"
	"github.com/loradepo/loradb-manager/manager/ports"
	"github.com/loradepo/loradb-manager/manager/registry"
	"github.com/loradepo/loradb-manager/manager/tokens"
)

var (
	// ErrInvalidName is returned by Create for names that cannot be used
	// as compose project names or directory names.
	ErrInvalidName = errors.New("invalid instance name")

	// ErrNotRunning is returned by Token when the instance is not in a
	// state that carries a valid credential.
	ErrNotRunning = errors.New("instance is not running")
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,31}$`)

const (
	defaultHealthPollInterval = 2 * time.Second
	defaultLogTailLines       = 100
)

// Config holds configuration options for the Manager.
type Config struct {
	Registry *registry.Registry
	Ports    *ports.Allocator
	Driver   compose.Driver
	Issuer   *tokens.Issuer
	Audit    *audit.Logger // Optional; lifecycle events are not audited when nil
	Logger   *slog.Logger  // Optional, defaults to slog.Default()

	// HealthCheckBudget is the cumulative time a new instance may spend
	// in HealthChecking before it is marked Failed.
	HealthCheckBudget time.Duration

	// HealthPollInterval is the delay between health probes while an
	// instance is in HealthChecking. Optional, defaults to 2s.
	HealthPollInterval time.Duration

	// LogTailLines bounds each instance's rolling log window. Optional,
	// defaults to 100.
	LogTailLines int
}

// Manager implements the create/start/monitor/stop/destroy workflows.
type Manager struct {
	registry *registry.Registry
	ports    *ports.Allocator
	driver   compose.Driver
	issuer   *tokens.Issuer
	audit    *audit.Logger
	logger   *slog.Logger

	healthCheckBudget  time.Duration
	healthPollInterval time.Duration
	logTailLines       int

	locks sync.Map // instance name -> *instanceLock

	tailMu sync.Mutex
	tails  map[string]*logtail.Buffer
}

// instanceLock serializes all lifecycle operations for one instance. The
// stopRequested flag lets a stop request issued mid-creation be honored
// cooperatively: the creation workflow checks it after each driver call
// completes and diverts to the stopping path.
type instanceLock struct {
	mu            sync.Mutex
	stopRequested atomic.Bool
}

// NewManager creates a Manager. Registry, Ports, Driver, and Issuer are
// required.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Ports == nil {
		return nil, fmt.Errorf("port allocator is required")
	}
	if cfg.Driver == nil {
		return nil, fmt.Errorf("container driver is required")
	}
	if cfg.Issuer == nil {
		return nil, fmt.Errorf("token issuer is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := cfg.HealthPollInterval
	if pollInterval == 0 {
		pollInterval = defaultHealthPollInterval
	}
	tailLines := cfg.LogTailLines
	if tailLines == 0 {
		tailLines = defaultLogTailLines
	}

	return &Manager{
		registry:           cfg.Registry,
		ports:              cfg.Ports,
		driver:             cfg.Driver,
		issuer:             cfg.Issuer,
		audit:              cfg.Audit,
		logger:             logger.With("component", "LifecycleManager"),
		healthCheckBudget:  cfg.HealthCheckBudget,
		healthPollInterval: pollInterval,
		logTailLines:       tailLines,
	}, nil
}

func (m *Manager) lock(name string) *instanceLock {
	v, _ := m.locks.LoadOrStore(name, &instanceLock{})
	return v.(*instanceLock)
}

// Create provisions a new instance end to end: registry entry, port
// reservation, stack bring-up, and health verification. It blocks until the
// instance reaches Running or a terminal state and returns the final
// record. An empty name gets a generated one.
func (m *Manager) Create(ctx context.Context, name string) (registry.Instance, error) {
	if name == "" {
		name = "loradb-" + uuid.New().String()[:8]
	}
	if !nameRe.MatchString(name) {
		return registry.Instance{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	// Bring-up must not die with the caller: an API timeout or client
	// disconnect would otherwise kill a healthy stack mid-flight and leave
	// the instance Failed. Each driver call carries its own budget.
	ctx = context.WithoutCancel(ctx)

	lk := m.lock(name)
	lk.mu.Lock()
	defer lk.mu.Unlock()

	inst, err := m.registry.Create(name)
	if err != nil {
		return registry.Instance{}, err
	}
	m.logger.Info("Instance created", "instance", name)
	m.auditErr(func() error { return m.audit.LogInstanceCreated(name) })
	m.ensureTail(name)

	// Pending -> Starting requires a reserved port. Exhaustion aborts the
	// creation before any container resources are touched: the instance
	// goes Failed and the entry is dropped since no port is held.
	port, err := m.ports.Reserve()
	if err != nil {
		m.logger.Warn("Port reservation failed", "instance", name, "error", err)
		m.setFailed(name, 0, fmt.Sprintf("port reservation failed: %v", err))
		if rmErr := m.registry.Remove(name); rmErr != nil {
			m.logger.Error("Failed to remove port-starved instance", "instance", name, "error", rmErr)
		}
		m.dropTail(name)
		return registry.Instance{}, err
	}

	if _, err := m.registry.Update(name, func(inst *registry.Instance) {
		inst.State = registry.StateStarting
		inst.Port = port
	}); err != nil {
		m.ports.Release(port)
		return registry.Instance{}, err
	}
	m.logger.Info("Instance starting", "instance", name, "port", port)

	if lk.stopRequested.Load() {
		// Stopped before bring-up began; nothing to tear down.
		lk.stopRequested.Store(false)
		return m.finishStop(ctx, name, compose.StackHandle{}, port, false)
	}

	handle, err := m.bringUpWithRetry(ctx, name, port)
	if err != nil {
		m.ports.Release(port)
		m.setFailed(name, port, fmt.Sprintf("bring-up failed: %v", err))
		inst, _ = m.registry.Get(name)
		return inst, err
	}

	inst, err = m.registry.Update(name, func(inst *registry.Instance) {
		inst.State = registry.StateHealthChecking
		inst.StackDir = handle.Dir
		inst.ComposeProject = handle.Project
	})
	if err != nil {
		return registry.Instance{}, err
	}

	if lk.stopRequested.Load() {
		lk.stopRequested.Store(false)
		return m.finishStop(ctx, name, handle, port, true)
	}

	healthy, stopped := m.awaitHealthy(ctx, lk, handle)
	if stopped {
		lk.stopRequested.Store(false)
		return m.finishStop(ctx, name, handle, port, true)
	}
	if !healthy {
		m.logger.Warn("Instance failed health verification", "instance", name, "budget", m.healthCheckBudget)
		if err := m.tearDownWithRetry(ctx, handle); err != nil {
			m.logger.Error("Cleanup teardown failed", "instance", name, "error", err)
		}
		m.ports.Release(port)
		m.setFailed(name, port, fmt.Sprintf("no healthy report within %v", m.healthCheckBudget))
		inst, _ = m.registry.Get(name)
		return inst, fmt.Errorf("instance %s did not become healthy within %v", name, m.healthCheckBudget)
	}

	// HealthChecking -> Running: the admin token is issued exactly once
	// on this edge.
	token, err := m.issuer.Issue(name, tokens.ScopeAdmin)
	if err != nil {
		m.logger.Error("Token issuance failed", "instance", name, "error", err)
		if tdErr := m.tearDownWithRetry(ctx, handle); tdErr != nil {
			m.logger.Error("Cleanup teardown failed", "instance", name, "error", tdErr)
		}
		m.ports.Release(port)
		m.setFailed(name, port, fmt.Sprintf("token issuance failed: %v", err))
		inst, _ = m.registry.Get(name)
		return inst, err
	}

	now := time.Now().UTC()
	inst, err = m.registry.Update(name, func(inst *registry.Instance) {
		inst.State = registry.StateRunning
		inst.LastHealthCheckAt = now
		inst.Token = token.Token
		inst.TokenExpiresAt = token.ExpiresAt
		inst.LastTokenIssuedAt = token.IssuedAt
	})
	if err != nil {
		return registry.Instance{}, err
	}

	m.logger.Info("Instance running", "instance", name, "port", port)
	m.auditErr(func() error { return m.audit.LogInstanceRunning(name, port) })
	m.auditErr(func() error { return m.audit.LogTokenIssued(name, token.Token) })
	return inst, nil
}

// Stop requests teardown of an instance. If a creation workflow is in
// flight the request is honored as soon as the in-flight driver call
// completes; there is no hard cancellation. Stop blocks until the instance
// reaches a terminal state and returns the final record. Stopping an
// already-terminal instance is a no-op.
func (m *Manager) Stop(ctx context.Context, name string) (registry.Instance, error) {
	if _, err := m.registry.Get(name); err != nil {
		return registry.Instance{}, err
	}

	// Teardown likewise outlives the caller; a half-stopped stack would
	// squat its port and containers.
	ctx = context.WithoutCancel(ctx)

	lk := m.lock(name)
	lk.stopRequested.Store(true)
	lk.mu.Lock()
	defer lk.mu.Unlock()
	lk.stopRequested.Store(false)

	inst, err := m.registry.Get(name)
	if err != nil {
		return registry.Instance{}, err
	}
	if inst.State.Terminal() {
		// A concurrent creation already honored the stop request, or the
		// instance was stopped earlier.
		return inst, nil
	}

	handle := compose.StackHandle{Dir: inst.StackDir, Project: inst.ComposeProject}
	return m.finishStop(ctx, name, handle, inst.Port, inst.ComposeProject != "")
}

// finishStop drives the Stopping path. The port is released regardless of
// teardown outcome so a failed teardown can never leak a port; the instance
// is marked Failed in that case for operator visibility.
func (m *Manager) finishStop(ctx context.Context, name string, handle compose.StackHandle, port int, tearDown bool) (registry.Instance, error) {
	if _, err := m.registry.Update(name, func(inst *registry.Instance) {
		inst.State = registry.StateStopping
	}); err != nil {
		return registry.Instance{}, err
	}
	m.logger.Info("Instance stopping", "instance", name)

	var tdErr error
	if tearDown {
		tdErr = m.tearDownWithRetry(ctx, handle)
	}

	m.ports.Release(port)
	m.issuer.Invalidate(name)

	if tdErr != nil {
		m.logger.Error("Teardown failed", "instance", name, "error", tdErr)
		m.setFailed(name, port, fmt.Sprintf("teardown failed: %v", tdErr))
		inst, err := m.registry.Get(name)
		if err != nil {
			return registry.Instance{}, err
		}
		return inst, tdErr
	}

	inst, err := m.registry.Update(name, func(inst *registry.Instance) {
		inst.State = registry.StateStopped
		inst.Token = ""
		inst.TokenExpiresAt = time.Time{}
	})
	if err != nil {
		return registry.Instance{}, err
	}
	m.logger.Info("Instance stopped", "instance", name, "port", port)
	m.auditErr(func() error { return m.audit.LogInstanceStopped(name, port) })
	return inst, nil
}

// Remove deletes a terminal instance's registry entry. The entry is
// retained after Stop for audit until this is called.
func (m *Manager) Remove(name string) error {
	lk := m.lock(name)
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if err := m.registry.Remove(name); err != nil {
		return err
	}
	m.issuer.Invalidate(name)
	m.dropTail(name)
	m.locks.Delete(name)
	m.logger.Info("Instance removed", "instance", name)
	m.auditErr(func() error { return m.audit.LogInstanceRemoved(name) })
	return nil
}

// Get returns the instance's current record.
func (m *Manager) Get(name string) (registry.Instance, error) {
	return m.registry.Get(name)
}

// List returns all known instances.
func (m *Manager) List() []registry.Instance {
	return m.registry.List()
}

// Token returns a valid admin token for a Running or Degraded instance,
// refreshing through the issuer's cache so calls inside the refresh
// interval return the identical token.
func (m *Manager) Token(name string) (tokens.Token, error) {
	inst, err := m.registry.Get(name)
	if err != nil {
		return tokens.Token{}, err
	}
	if inst.State != registry.StateRunning && inst.State != registry.StateDegraded {
		return tokens.Token{}, fmt.Errorf("%w: %s is %s", ErrNotRunning, name, inst.State)
	}

	token, err := m.issuer.Refresh(name)
	if err != nil {
		return tokens.Token{}, err
	}
	if token.Token != inst.Token {
		if _, err := m.registry.Update(name, func(inst *registry.Instance) {
			inst.Token = token.Token
			inst.TokenExpiresAt = token.ExpiresAt
			inst.LastTokenIssuedAt = token.IssuedAt
		}); err != nil {
			return tokens.Token{}, err
		}
		m.auditErr(func() error { return m.audit.LogTokenRefreshed(name, token.Token) })
	}
	return token, nil
}

// Tail returns the most recent buffered log lines for an instance.
func (m *Manager) Tail(name string, count int) ([]logtail.Line, error) {
	if _, err := m.registry.Get(name); err != nil {
		return nil, err
	}
	return m.ensureTail(name).Tail(count), nil
}

// bringUpWithRetry invokes the driver's bring-up, retrying exactly once
// when the call times out. Other errors are not retried.
func (m *Manager) bringUpWithRetry(ctx context.Context, name string, port int) (compose.StackHandle, error) {
	handle, err := m.driver.BringUp(ctx, name, port)
	if err == nil {
		return handle, nil
	}
	if !errors.Is(err, compose.ErrTimeout) {
		return compose.StackHandle{}, err
	}

	m.logger.Warn("Bring-up timed out, retrying once", "instance", name, "error", err)
	handle, err = m.driver.BringUp(ctx, name, port)
	if err != nil {
		return compose.StackHandle{}, err
	}
	return handle, nil
}

// tearDownWithRetry invokes the driver's teardown, retrying exactly once on
// timeout.
func (m *Manager) tearDownWithRetry(ctx context.Context, handle compose.StackHandle) error {
	err := m.driver.TearDown(ctx, handle)
	if err == nil || !errors.Is(err, compose.ErrTimeout) {
		return err
	}
	m.logger.Warn("Teardown timed out, retrying once", "project", handle.Project, "error", err)
	return m.driver.TearDown(ctx, handle)
}

// awaitHealthy polls the stack's health until it reports healthy, the
// cumulative budget runs out, or a stop is requested. It returns
// (healthy, stopRequested).
func (m *Manager) awaitHealthy(ctx context.Context, lk *instanceLock, handle compose.StackHandle) (bool, bool) {
	deadline := time.Now().Add(m.healthCheckBudget)
	for {
		health, err := m.driver.InspectHealth(ctx, handle)
		if err != nil {
			m.logger.Warn("Health probe failed", "project", handle.Project, "error", err)
		}
		if lk.stopRequested.Load() {
			return false, true
		}
		if health == compose.HealthHealthy {
			return true, false
		}
		if time.Now().After(deadline) {
			return false, false
		}

		select {
		case <-ctx.Done():
			return false, false
		case <-time.After(m.healthPollInterval):
		}
	}
}

// setFailed marks the instance Failed with a human-readable reason. Every
// instance-level failure stays visible through the status API; the manager
// never drops an instance into an unrecorded state.
func (m *Manager) setFailed(name string, port int, reason string) {
	if _, err := m.registry.Update(name, func(inst *registry.Instance) {
		inst.State = registry.StateFailed
		inst.LastError = reason
		inst.Token = ""
		inst.TokenExpiresAt = time.Time{}
	}); err != nil {
		m.logger.Error("Failed to record failure", "instance", name, "error", err)
		return
	}
	m.issuer.Invalidate(name)
	m.auditErr(func() error { return m.audit.LogInstanceFailed(name, port, reason) })
}

func (m *Manager) ensureTail(name string) *logtail.Buffer {
	m.tailMu.Lock()
	defer m.tailMu.Unlock()
	if m.tails == nil {
		m.tails = make(map[string]*logtail.Buffer)
	}
	buf, ok := m.tails[name]
	if !ok {
		buf = logtail.NewBuffer(m.logTailLines)
		m.tails[name] = buf
	}
	return buf
}

func (m *Manager) dropTail(name string) {
	m.tailMu.Lock()
	defer m.tailMu.Unlock()
	delete(m.tails, name)
}

// auditErr runs an audit write when auditing is configured, logging rather
// than propagating failures: a broken audit log must not take down
// lifecycle operations.
func (m *Manager) auditErr(write func() error) {
	if m.audit == nil {
		return
	}
	if err := write(); err != nil {
		m.logger.Warn("Audit write failed", "error", err)
	}
}

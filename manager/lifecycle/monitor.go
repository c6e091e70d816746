package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loradepo/loradb-manager/manager/compose"
	"github.com/loradepo/loradb-manager/manager/registry"
)

// Monitor is the background loop that keeps running instances' health,
// tokens, and log tails current. One sweep runs per refresh interval over a
// snapshot of the registry; per-instance locks are taken with TryLock so a
// slow create or stop on one instance never stalls the sweep.
type Monitor struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a Monitor sweeping at the given interval.
func NewMonitor(manager *Manager, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		manager:  manager,
		interval: interval,
		logger:   logger.With("component", "StatusMonitor"),
		stopChan: make(chan struct{}),
	}
}

// Run starts the sweep loop. It blocks until Stop is called or the context
// is cancelled.
func (mon *Monitor) Run(ctx context.Context) {
	mon.logger.Info("Status monitor started", "interval", mon.interval)
	mon.wg.Add(1)
	defer mon.wg.Done()

	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	for {
		select {
		case <-mon.stopChan:
			mon.logger.Info("Status monitor stopping.")
			return
		case <-ctx.Done():
			mon.logger.Info("Status monitor context cancelled.")
			return
		case <-ticker.C:
			mon.Sweep(ctx)
		}
	}
}

// Stop shuts the monitor down and waits for the loop to exit.
func (mon *Monitor) Stop() {
	close(mon.stopChan)
	mon.wg.Wait()
}

// Sweep performs one pass over all Running and Degraded instances: a health
// probe, a token refresh, and a log tail pull for each.
func (mon *Monitor) Sweep(ctx context.Context) {
	for _, inst := range mon.manager.List() {
		if inst.State != registry.StateRunning && inst.State != registry.StateDegraded {
			continue
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		mon.sweepInstance(ctx, inst.Name)
	}
}

func (mon *Monitor) sweepInstance(ctx context.Context, name string) {
	lk := mon.manager.lock(name)
	if !lk.mu.TryLock() {
		// A create or stop is in flight; it owns the state until done.
		return
	}
	defer lk.mu.Unlock()

	inst, err := mon.manager.registry.Get(name)
	if err != nil {
		return
	}
	if inst.State != registry.StateRunning && inst.State != registry.StateDegraded {
		return
	}

	handle := compose.StackHandle{Dir: inst.StackDir, Project: inst.ComposeProject}
	mon.checkHealth(ctx, name, inst.State, handle)
	mon.refreshToken(name, inst.Token)
	mon.pullLogs(ctx, name, handle)
}

func (mon *Monitor) checkHealth(ctx context.Context, name string, state registry.State, handle compose.StackHandle) {
	health, err := mon.manager.driver.InspectHealth(ctx, handle)
	if err != nil {
		mon.logger.Warn("Health probe failed", "instance", name, "error", err)
	}
	now := time.Now().UTC()

	switch health {
	case compose.HealthHealthy:
		if state == registry.StateDegraded {
			mon.logger.Info("Instance recovered", "instance", name)
		}
		if _, err := mon.manager.registry.Update(name, func(inst *registry.Instance) {
			inst.State = registry.StateRunning
			inst.LastHealthCheckAt = now
			inst.LastError = ""
		}); err != nil {
			mon.logger.Error("Failed to record health", "instance", name, "error", err)
		}
	case compose.HealthUnhealthy:
		if state == registry.StateRunning {
			mon.logger.Warn("Instance degraded", "instance", name)
		}
		if _, err := mon.manager.registry.Update(name, func(inst *registry.Instance) {
			inst.State = registry.StateDegraded
			inst.LastHealthCheckAt = now
			inst.LastError = "health check reported unhealthy"
		}); err != nil {
			mon.logger.Error("Failed to record health", "instance", name, "error", err)
		}
	default:
		// Unknown: the probe could not determine the stack's condition.
		// Record that a check happened without changing state.
		if _, err := mon.manager.registry.Update(name, func(inst *registry.Instance) {
			inst.LastHealthCheckAt = now
		}); err != nil {
			mon.logger.Error("Failed to record health", "instance", name, "error", err)
		}
	}
}

func (mon *Monitor) refreshToken(name, currentToken string) {
	token, err := mon.manager.issuer.Refresh(name)
	if err != nil {
		mon.logger.Warn("Token refresh failed", "instance", name, "error", err)
		return
	}
	if token.Token == currentToken {
		return
	}
	if _, err := mon.manager.registry.Update(name, func(inst *registry.Instance) {
		inst.Token = token.Token
		inst.TokenExpiresAt = token.ExpiresAt
		inst.LastTokenIssuedAt = token.IssuedAt
	}); err != nil {
		mon.logger.Error("Failed to record refreshed token", "instance", name, "error", err)
		return
	}
	mon.manager.auditErr(func() error { return mon.manager.audit.LogTokenRefreshed(name, token.Token) })
}

func (mon *Monitor) pullLogs(ctx context.Context, name string, handle compose.StackHandle) {
	lines, err := mon.manager.driver.TailLogs(ctx, handle, mon.manager.logTailLines)
	if err != nil {
		mon.logger.Warn("Log tail pull failed", "instance", name, "error", err)
		return
	}
	mon.manager.ensureTail(name).Replace(lines)
}

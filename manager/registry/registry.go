// Package registry is the single source of truth for all known instances.
// The in-memory map is authoritative for decision-making; every mutation is
// written through to a sqlite database under the instances root so the
// inventory survives manager restarts.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

var (
	// ErrNotFound is returned when no instance with the given name exists.
	ErrNotFound = errors.New("instance not found")

	// ErrAlreadyExists is returned by Create when the name is taken.
	ErrAlreadyExists = errors.New("instance already exists")

	// ErrNotTerminal is returned by Remove when the instance is not in a
	// Stopped or Failed state.
	ErrNotTerminal = errors.New("instance is not in a terminal state")

	// ErrInvalidTransition is returned by Update when a mutation would move
	// an instance along an undefined lifecycle edge.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Registry tracks every instance from the moment it is created until its
// teardown fully completes. All methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	db        *sqlx.DB
}

// NewRegistry opens the registry over the given database, creating the
// schema if needed and loading previously persisted instances. Rows that
// were non-terminal when the previous manager exited are marked Failed:
// their stacks are no longer being driven and the manager never
// auto-resurrects an instance.
func NewRegistry(db *sqlx.DB) (*Registry, error) {
	if err := dbInit(db); err != nil {
		return nil, fmt.Errorf("failed to initialize registry database: %w", err)
	}

	r := &Registry{
		instances: make(map[string]*Instance),
		db:        db,
	}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return r, nil
}

// Create makes a Pending entry for a new instance. The name must not be in
// use, including by a terminal entry retained for audit; those must be
// removed first.
func (r *Registry) Create(name string) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[name]; exists {
		return Instance{}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	inst := &Instance{
		Name:      name,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.persist(inst); err != nil {
		return Instance{}, err
	}
	r.instances[name] = inst
	return *inst, nil
}

// Get returns a copy of the named instance's record.
func (r *Registry) Get(name string) (Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, exists := r.instances[name]
	if !exists {
		return Instance{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return *inst, nil
}

// Update applies a mutation to the named instance under the registry lock
// and persists the result, so concurrent readers never observe a torn
// record. A mutation that changes State along an undefined lifecycle edge
// is rejected with ErrInvalidTransition and leaves the record untouched;
// state-preserving mutations are always allowed. The updated copy is
// returned.
func (r *Registry) Update(name string, mutate func(*Instance)) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.instances[name]
	if !exists {
		return Instance{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	updated := *inst
	mutate(&updated)
	if updated.State != inst.State && !inst.State.CanTransition(updated.State) {
		return Instance{}, fmt.Errorf("%w: %s -> %s for %s",
			ErrInvalidTransition, inst.State, updated.State, name)
	}
	if err := r.persist(&updated); err != nil {
		return Instance{}, err
	}
	*inst = updated
	return updated, nil
}

// Remove deletes a terminal instance's record. It fails with ErrNotTerminal
// while the instance is anywhere in its lifecycle, which also means a port
// is never silently dropped: ports are only released on the Stopping path
// before the instance reaches a terminal state.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.instances[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !inst.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, name, inst.State)
	}

	if _, err := r.db.Exec("DELETE FROM instances WHERE name = $1", name); err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", name, err)
	}
	delete(r.instances, name)
	return nil
}

// List returns copies of all instance records, sorted by name.
func (r *Registry) List() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		result = append(result, *inst)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// ActivePorts returns the ports held by all non-terminal instances, used to
// rebuild the allocator's view at startup.
func (r *Registry) ActivePorts() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ports []int
	for _, inst := range r.instances {
		if !inst.State.Terminal() && inst.Port > 0 {
			ports = append(ports, inst.Port)
		}
	}
	return ports
}

// --- Persistence ---

type instanceRow struct {
	Name              string `db:"name"`
	Port              int    `db:"port"`
	State             string `db:"state"`
	CreatedAt         int64  `db:"created_at"`
	LastHealthCheckAt int64  `db:"last_health_check_at"`
	LastTokenIssuedAt int64  `db:"last_token_issued_at"`
	TokenExpiresAt    int64  `db:"token_expires_at"`
	StackDir          string `db:"stack_dir"`
	ComposeProject    string `db:"compose_project"`
	LastError         string `db:"last_error"`
}

func dbInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS instances (
		name TEXT PRIMARY KEY,
		port INTEGER NOT NULL,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_health_check_at INTEGER NOT NULL,
		last_token_issued_at INTEGER NOT NULL,
		token_expires_at INTEGER NOT NULL,
		stack_dir TEXT NOT NULL,
		compose_project TEXT NOT NULL,
		last_error TEXT NOT NULL
	)
	`)
	return err
}

func (r *Registry) persist(inst *Instance) error {
	row := instanceRow{
		Name:              inst.Name,
		Port:              inst.Port,
		State:             inst.State.String(),
		CreatedAt:         inst.CreatedAt.Unix(),
		LastHealthCheckAt: unixOrZero(inst.LastHealthCheckAt),
		LastTokenIssuedAt: unixOrZero(inst.LastTokenIssuedAt),
		TokenExpiresAt:    unixOrZero(inst.TokenExpiresAt),
		StackDir:          inst.StackDir,
		ComposeProject:    inst.ComposeProject,
		LastError:         inst.LastError,
	}
	_, err := r.db.NamedExec(`
		INSERT INTO instances (
			name, port, state, created_at, last_health_check_at,
			last_token_issued_at, token_expires_at, stack_dir,
			compose_project, last_error
		) VALUES (
			:name, :port, :state, :created_at, :last_health_check_at,
			:last_token_issued_at, :token_expires_at, :stack_dir,
			:compose_project, :last_error
		)
		ON CONFLICT(name) DO UPDATE SET
			port = excluded.port,
			state = excluded.state,
			last_health_check_at = excluded.last_health_check_at,
			last_token_issued_at = excluded.last_token_issued_at,
			token_expires_at = excluded.token_expires_at,
			stack_dir = excluded.stack_dir,
			compose_project = excluded.compose_project,
			last_error = excluded.last_error`,
		row)
	if err != nil {
		return fmt.Errorf("failed to persist instance %s: %w", inst.Name, err)
	}
	return nil
}

func (r *Registry) load() error {
	var rows []instanceRow
	if err := r.db.Select(&rows, "SELECT * FROM instances"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}

	for _, row := range rows {
		inst := &Instance{
			Name:              row.Name,
			Port:              row.Port,
			State:             stateFromString(row.State),
			CreatedAt:         timeOrZero(row.CreatedAt),
			LastHealthCheckAt: timeOrZero(row.LastHealthCheckAt),
			LastTokenIssuedAt: timeOrZero(row.LastTokenIssuedAt),
			TokenExpiresAt:    timeOrZero(row.TokenExpiresAt),
			StackDir:          row.StackDir,
			ComposeProject:    row.ComposeProject,
			LastError:         row.LastError,
		}
		if !inst.State.Terminal() {
			// The previous manager exited while this instance was live;
			// its stack is no longer being driven. Tokens died with the
			// old signing key.
			inst.State = StateFailed
			inst.LastError = "manager restarted while instance was active"
			inst.Token = ""
			inst.TokenExpiresAt = time.Time{}
			if err := r.persist(inst); err != nil {
				return err
			}
		}
		r.instances[inst.Name] = inst
	}
	return nil
}

func stateFromString(s string) State {
	for st := StatePending; st <= StateFailed; st++ {
		if st.String() == s {
			return st
		}
	}
	return StateFailed
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

// Package config holds the process-wide configuration for the LoRaDB
// instance manager. A Config is constructed once in main and passed by
// reference into each component's constructor; nothing reads ambient
// global state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config describes everything the manager needs to run: where templates and
// per-instance state live, the port pool bounds, and the timing knobs for
// the container driver, status monitor, and token issuer.
type Config struct {
	// InstancesRoot is the writable directory holding per-instance
	// workspaces, the registry database, and the audit log. Created at
	// startup if absent.
	InstancesRoot string

	// TemplateComposeFile and TemplateEnvFile are the compose-stack and
	// environment-file templates copied into each instance workspace.
	// Both must exist before any instance is created.
	TemplateComposeFile string
	TemplateEnvFile     string

	// Port allocation bounds (closed range).
	PortRangeMin int
	PortRangeMax int

	// DefaultLoRaDBPort is the port the stack's templates reference when
	// no instance-specific port has been substituted.
	DefaultLoRaDBPort int

	// Container driver budgets.
	DockerComposeTimeout        time.Duration
	ContainerHealthCheckTimeout time.Duration

	// Status monitor.
	LogTailLines          int
	StatusRefreshInterval time.Duration

	// Admin API and token issuer.
	APIRequestTimeout    time.Duration
	TokenRefreshInterval time.Duration
	JWTTokenLifetime     time.Duration

	// ListenAddr is the address the admin API binds to.
	ListenAddr string
}

// Default returns the stock configuration, rooted under the user's home
// directory. Template paths default to the current working directory.
func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to determine home directory: %w", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to determine working directory: %w", err)
	}

	return &Config{
		InstancesRoot:               filepath.Join(home, ".loradb-instances"),
		TemplateComposeFile:         filepath.Join(wd, "docker-compose.yml"),
		TemplateEnvFile:             filepath.Join(wd, ".env.example"),
		PortRangeMin:                8000,
		PortRangeMax:                9999,
		DefaultLoRaDBPort:           8443,
		DockerComposeTimeout:        120 * time.Second,
		ContainerHealthCheckTimeout: 60 * time.Second,
		LogTailLines:                100,
		StatusRefreshInterval:       5 * time.Second,
		APIRequestTimeout:           30 * time.Second,
		TokenRefreshInterval:        30 * time.Second,
		JWTTokenLifetime:            300 * time.Second,
		ListenAddr:                  ":8470",
	}, nil
}

// Validate performs the startup precondition checks: both templates must
// exist and be readable, the port range must be sane, and the instances
// root must exist (it is created here if absent). Any failure is fatal to
// manager startup; no requests may be served past a failed Validate.
func (c *Config) Validate() error {
	if _, err := os.Stat(c.TemplateComposeFile); err != nil {
		return fmt.Errorf("%w: compose template %s not found: %v",
			ErrPrecondition, c.TemplateComposeFile, err)
	}
	if _, err := os.Stat(c.TemplateEnvFile); err != nil {
		return fmt.Errorf("%w: env template %s not found: %v",
			ErrPrecondition, c.TemplateEnvFile, err)
	}

	if c.PortRangeMin <= 0 || c.PortRangeMax <= 0 || c.PortRangeMin > c.PortRangeMax {
		return fmt.Errorf("%w: invalid port range [%d-%d]",
			ErrPrecondition, c.PortRangeMin, c.PortRangeMax)
	}
	if c.LogTailLines <= 0 {
		return fmt.Errorf("%w: log tail lines must be positive, got %d",
			ErrPrecondition, c.LogTailLines)
	}

	if err := os.MkdirAll(c.InstancesRoot, 0755); err != nil {
		return fmt.Errorf("%w: failed to create instances root %s: %v",
			ErrPrecondition, c.InstancesRoot, err)
	}
	return nil
}

// RegistryDBPath is the location of the instance registry database.
func (c *Config) RegistryDBPath() string {
	return filepath.Join(c.InstancesRoot, "registry.db")
}

// AuditDBPath is the location of the lifecycle audit database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.InstancesRoot, "audit.db")
}

// LockFilePath is the lock file guarding the instances root against a
// second concurrently running manager.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.InstancesRoot, "manager.lock")
}

// InstanceDir is the workspace directory for a single named instance.
func (c *Config) InstanceDir(name string) string {
	return filepath.Join(c.InstancesRoot, name)
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML shape of an optional config file. All fields are
// pointers so an absent key leaves the default untouched. Timing values are
// expressed in whole seconds, matching the knobs the manager has always
// exposed.
type fileConfig struct {
	InstancesRoot       *string `yaml:"instances_root"`
	TemplateComposeFile *string `yaml:"template_compose_file"`
	TemplateEnvFile     *string `yaml:"template_env_file"`

	PortRangeMin      *int `yaml:"port_range_min"`
	PortRangeMax      *int `yaml:"port_range_max"`
	DefaultLoRaDBPort *int `yaml:"default_loradb_port"`

	DockerComposeTimeoutSec        *int `yaml:"docker_compose_timeout"`
	ContainerHealthCheckTimeoutSec *int `yaml:"container_health_check_timeout"`

	LogTailLines             *int `yaml:"log_tail_lines"`
	StatusRefreshIntervalSec *int `yaml:"status_refresh_interval"`

	APIRequestTimeoutSec    *int `yaml:"api_request_timeout"`
	TokenRefreshIntervalSec *int `yaml:"token_refresh_interval"`
	JWTTokenLifetimeSec     *int `yaml:"jwt_token_lifetime"`

	ListenAddr *string `yaml:"listen_addr"`
}

// LoadFile overlays settings from a YAML file onto c. A missing file is not
// an error; the defaults simply stand.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyString(&c.InstancesRoot, fc.InstancesRoot)
	applyString(&c.TemplateComposeFile, fc.TemplateComposeFile)
	applyString(&c.TemplateEnvFile, fc.TemplateEnvFile)
	applyInt(&c.PortRangeMin, fc.PortRangeMin)
	applyInt(&c.PortRangeMax, fc.PortRangeMax)
	applyInt(&c.DefaultLoRaDBPort, fc.DefaultLoRaDBPort)
	applySeconds(&c.DockerComposeTimeout, fc.DockerComposeTimeoutSec)
	applySeconds(&c.ContainerHealthCheckTimeout, fc.ContainerHealthCheckTimeoutSec)
	applyInt(&c.LogTailLines, fc.LogTailLines)
	applySeconds(&c.StatusRefreshInterval, fc.StatusRefreshIntervalSec)
	applySeconds(&c.APIRequestTimeout, fc.APIRequestTimeoutSec)
	applySeconds(&c.TokenRefreshInterval, fc.TokenRefreshIntervalSec)
	applySeconds(&c.JWTTokenLifetime, fc.JWTTokenLifetimeSec)
	applyString(&c.ListenAddr, fc.ListenAddr)

	return nil
}

func applyString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func applyInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func applySeconds(dst *time.Duration, src *int) {
	if src != nil {
		*dst = time.Duration(*src) * time.Second
	}
}

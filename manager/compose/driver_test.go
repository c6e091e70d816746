package compose

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseHealth(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Health
	}{
		{"all healthy", "running healthy\nrunning healthy", HealthHealthy},
		{"running without healthcheck", "running", HealthHealthy},
		{"mixed healthy and plain", "running healthy\nrunning", HealthHealthy},
		{"one exited", "running healthy\nexited", HealthUnhealthy},
		{"one unhealthy", "running unhealthy\nrunning healthy", HealthUnhealthy},
		{"restarting", "restarting", HealthUnhealthy},
		{"still starting", "running starting", HealthUnknown},
		{"no containers", "", HealthUnknown},
		{"whitespace only", "  \n  ", HealthUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseHealth(tt.output); got != tt.want {
				t.Errorf("ParseHealth(%q) = %s, want %s", tt.output, got, tt.want)
			}
		})
	}
}

func TestRenderEnv(t *testing.T) {
	template := `# LoRaDB instance configuration
LORADB_PORT=8443
POSTGRES_PASSWORD=changeme

MQTT_BROKER=mqtt://localhost:1883
`
	rendered := RenderEnv(template, map[string]string{
		"LORADB_PORT":     "8001",
		"LORADB_INSTANCE": "alpha",
	})

	if !strings.Contains(rendered, "LORADB_PORT=8001") {
		t.Errorf("port not substituted:\n%s", rendered)
	}
	if strings.Contains(rendered, "8443") {
		t.Errorf("template default port should be replaced:\n%s", rendered)
	}
	if !strings.Contains(rendered, "LORADB_INSTANCE=alpha") {
		t.Errorf("missing key not appended:\n%s", rendered)
	}
	if !strings.Contains(rendered, "POSTGRES_PASSWORD=changeme") {
		t.Errorf("unrelated assignment should pass through:\n%s", rendered)
	}
	if !strings.Contains(rendered, "# LoRaDB instance configuration") {
		t.Errorf("comments should pass through:\n%s", rendered)
	}
}

func newTestDriver(t *testing.T) *ComposeDriver {
	t.Helper()
	dir := t.TempDir()

	composePath := filepath.Join(dir, "docker-compose.yml")
	envPath := filepath.Join(dir, ".env.example")
	compose := "services:\n  loradb:\n    image: loradb:latest\n    ports:\n      - \"8443:8443\"\n"
	if err := os.WriteFile(composePath, []byte(compose), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(envPath, []byte("LORADB_PORT=8443\n"), 0644); err != nil {
		t.Fatal(err)
	}

	return NewComposeDriver(Options{
		InstancesRoot:       filepath.Join(dir, "instances"),
		TemplateComposeFile: composePath,
		TemplateEnvFile:     envPath,
		DefaultPort:         8443,
		ComposeTimeout:      time.Second,
		HealthCheckTimeout:  time.Second,
	})
}

func withMockCommand(t *testing.T, mock func(ctx context.Context, name string, args ...string) ([]byte, error)) {
	t.Helper()
	orig := runCommand
	runCommand = mock
	t.Cleanup(func() { runCommand = orig })
}

func TestBringUpRendersWorkspace(t *testing.T) {
	d := newTestDriver(t)

	var gotArgs []string
	withMockCommand(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return nil, nil
	})

	handle, err := d.BringUp(context.Background(), "alpha", 8000)
	if err != nil {
		t.Fatalf("BringUp failed: %v", err)
	}
	if handle.Project != "loradb-alpha" {
		t.Errorf("expected project loradb-alpha, got %q", handle.Project)
	}

	data, err := os.ReadFile(filepath.Join(handle.Dir, ".env"))
	if err != nil {
		t.Fatalf("env file not written: %v", err)
	}
	if !strings.Contains(string(data), "LORADB_PORT=8000") {
		t.Errorf("env file missing port:\n%s", data)
	}
	if !strings.Contains(string(data), "LORADB_INSTANCE=alpha") {
		t.Errorf("env file missing instance name:\n%s", data)
	}

	composeData, err := os.ReadFile(filepath.Join(handle.Dir, "docker-compose.yml"))
	if err != nil {
		t.Fatalf("compose file not written: %v", err)
	}
	if !strings.Contains(string(composeData), "8000:8000") {
		t.Errorf("template default port should be rewritten to the instance port:\n%s", composeData)
	}
	if strings.Contains(string(composeData), "8443") {
		t.Errorf("default port should not survive rendering:\n%s", composeData)
	}

	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "compose") || !strings.Contains(joined, "up -d --wait") {
		t.Errorf("unexpected command: %v", gotArgs)
	}
	if !strings.Contains(joined, "loradb-alpha") {
		t.Errorf("command missing project name: %v", gotArgs)
	}
}

func TestBringUpTimeout(t *testing.T) {
	d := newTestDriver(t)

	withMockCommand(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := d.BringUp(context.Background(), "alpha", 8000)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestTearDownPassesProject(t *testing.T) {
	d := newTestDriver(t)

	var gotArgs []string
	withMockCommand(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = args
		return nil, nil
	})

	handle := StackHandle{Dir: t.TempDir(), Project: "loradb-alpha"}
	if err := d.TearDown(context.Background(), handle); err != nil {
		t.Fatalf("TearDown failed: %v", err)
	}

	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "down -v") || !strings.Contains(joined, "loradb-alpha") {
		t.Errorf("unexpected teardown command: %v", gotArgs)
	}
}

func TestInspectHealth(t *testing.T) {
	d := newTestDriver(t)

	withMockCommand(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("running healthy\n"), nil
	})

	handle := StackHandle{Dir: t.TempDir(), Project: "loradb-alpha"}
	health, err := d.InspectHealth(context.Background(), handle)
	if err != nil {
		t.Fatalf("InspectHealth failed: %v", err)
	}
	if health != HealthHealthy {
		t.Errorf("expected Healthy, got %s", health)
	}
}

func TestTailLogs(t *testing.T) {
	d := newTestDriver(t)

	var gotArgs []string
	withMockCommand(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = args
		return []byte("line one\nline two\n"), nil
	})

	handle := StackHandle{Dir: t.TempDir(), Project: "loradb-alpha"}
	lines, err := d.TailLogs(context.Background(), handle, 100)
	if err != nil {
		t.Fatalf("TailLogs failed: %v", err)
	}
	if len(lines) != 2 || lines[0] != "line one" || lines[1] != "line two" {
		t.Errorf("unexpected lines: %v", lines)
	}
	if !strings.Contains(strings.Join(gotArgs, " "), "--tail 100") {
		t.Errorf("expected --tail 100 in command: %v", gotArgs)
	}
}

func TestPingUnavailable(t *testing.T) {
	d := newTestDriver(t)

	withMockCommand(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("Cannot connect to the Docker daemon"), errors.New("exit status 1")
	})

	if err := d.Ping(context.Background()); !errors.Is(err, ErrRuntimeUnavailable) {
		t.Errorf("expected ErrRuntimeUnavailable, got %v", err)
	}
}

package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	composeFileName = "docker-compose.yml"
	envFileName     = ".env"

	envKeyPort     = "LORADB_PORT"
	envKeyInstance = "LORADB_INSTANCE"
)

// renderWorkspace creates the instance's workspace directory, copies in the
// compose template, and writes a .env rendered from the env template with
// the instance's port and name substituted.
func (d *ComposeDriver) renderWorkspace(name string, port int) (StackHandle, error) {
	dir := filepath.Join(d.opts.InstancesRoot, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return StackHandle{}, fmt.Errorf("failed to create workspace for %s: %w", name, err)
	}

	composeData, err := os.ReadFile(d.opts.TemplateComposeFile)
	if err != nil {
		return StackHandle{}, fmt.Errorf("failed to read compose template: %w", err)
	}
	if d.opts.DefaultPort > 0 {
		composeData = []byte(strings.ReplaceAll(string(composeData),
			strconv.Itoa(d.opts.DefaultPort), strconv.Itoa(port)))
	}
	if err := os.WriteFile(filepath.Join(dir, composeFileName), composeData, 0644); err != nil {
		return StackHandle{}, fmt.Errorf("failed to write compose file for %s: %w", name, err)
	}

	envData, err := os.ReadFile(d.opts.TemplateEnvFile)
	if err != nil {
		return StackHandle{}, fmt.Errorf("failed to read env template: %w", err)
	}
	rendered := RenderEnv(string(envData), map[string]string{
		envKeyPort:     strconv.Itoa(port),
		envKeyInstance: name,
	})
	if err := os.WriteFile(filepath.Join(dir, envFileName), []byte(rendered), 0600); err != nil {
		return StackHandle{}, fmt.Errorf("failed to write env file for %s: %w", name, err)
	}

	return StackHandle{
		Dir:     dir,
		Project: "loradb-" + name,
	}, nil
}

// RenderEnv substitutes the given key=value pairs into env-file content,
// replacing existing assignments and appending keys the template does not
// mention. Comments and unrelated lines pass through untouched.
func RenderEnv(template string, overrides map[string]string) string {
	seen := make(map[string]bool, len(overrides))
	lines := strings.Split(template, "\n")

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, _, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if value, exists := overrides[key]; exists {
			lines[i] = key + "=" + value
			seen[key] = true
		}
	}

	var out strings.Builder
	out.WriteString(strings.TrimRight(strings.Join(lines, "\n"), "\n"))
	out.WriteString("\n")

	// Append overrides the template never mentioned, in stable order.
	var missing []string
	for key := range overrides {
		if !seen[key] {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	for _, key := range missing {
		out.WriteString(key + "=" + overrides[key] + "\n")
	}
	return out.String()
}

package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nimburion/distlock/pkg/config"
)

func TestResolveServiceNameValue(t *testing.T) {
	tests := []struct {
		name              string
		currentConfigName string
		defaultService    string
		override          string
		want              string
	}{
		{
			name:              "override wins",
			currentConfigName: "from-config",
			defaultService:    "from-cli",
			override:          "from-flag",
			want:              "from-flag",
		},
		{
			name:              "configured value wins over default",
			currentConfigName: "from-config",
			defaultService:    "from-cli",
			want:              "from-config",
		},
		{
			name:           "default used when config missing",
			defaultService: "from-cli",
			want:           "from-cli",
		},
		{
			name: "distlockd fallback",
			want: "distlockd",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveServiceNameValue(tt.currentConfigName, tt.defaultService, tt.override)
			if got != tt.want {
				t.Fatalf("resolveServiceNameValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRootCommand_RegistersSubcommands(t *testing.T) {
	cmd := NewRootCommand(Options{})
	if cmd.Use != "distlockd" {
		t.Fatalf("expected default name distlockd, got %q", cmd.Use)
	}

	for _, path := range [][]string{
		{"serve"}, {"migrate"}, {"inspect"}, {"sweep"}, {"run"}, {"version"}, {"config", "show"}, {"config", "validate"},
	} {
		found, _, err := cmd.Find(path)
		if err != nil {
			t.Fatalf("find %v: %v", path, err)
		}
		if found.Name() != path[len(path)-1] {
			t.Fatalf("expected command %q, got %q", path[len(path)-1], found.Name())
		}
	}

	for _, flag := range []string{"config-file", "secret-file", "service-name", "database-type", "database-url", "log-level", "log-format", "debug-mode"} {
		if cmd.PersistentFlags().Lookup(flag) == nil {
			t.Fatalf("expected persistent flag --%s", flag)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(t, Options{Name: "locksvc"}, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "Service:    locksvc") {
		t.Fatalf("expected service name in output, got:\n%s", out)
	}
	if !strings.Contains(out, "Version:") {
		t.Fatalf("expected version in output, got:\n%s", out)
	}
}

func TestConfigShow_MasksSecrets(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	configFile := filepath.Join(dir, "distlock.yaml")
	secretFile := filepath.Join(dir, "vault.yaml")
	writeFile(t, configFile, "service:\n  name: billing-locks\ndatabase:\n  type: postgres\n")
	writeFile(t, secretFile, "database:\n  url: postgres://svc:hunter2@db/locks\n")
	// t.Setenv restores the variable that --secret-file sets.
	t.Setenv("DISTLOCK_SECRETS_FILE", secretFile)

	out, err := executeCommand(t, Options{}, "config", "show", "-c", configFile, "--secret-file", secretFile)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "hunter2") {
		t.Fatalf("secret leaked into output:\n%s", out)
	}

	var rendered config.Config
	if err := yaml.Unmarshal([]byte(out), &rendered); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, out)
	}
	if rendered.Service.Name != "billing-locks" {
		t.Fatalf("expected service name from config file, got %q", rendered.Service.Name)
	}
	if rendered.Database.URL == "" {
		t.Fatal("expected masked database url, got empty value")
	}
}

func TestConfigValidate(t *testing.T) {
	isolateEnv(t)

	out, err := executeCommand(t, Options{}, "config", "validate", "--database-type", "memory")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "configuration is valid") {
		t.Fatalf("unexpected output: %q", out)
	}

	if _, err := executeCommand(t, Options{}, "config", "validate", "--database-type", "postgres"); err == nil {
		t.Fatal("expected validation error without a database url")
	}
	if _, err := executeCommand(t, Options{}, "config", "validate", "--database-type", "oracle"); err == nil {
		t.Fatal("expected validation error for unknown database type")
	}
}

func TestSecretFileFlag_RejectsMissingFile(t *testing.T) {
	isolateEnv(t)

	_, err := executeCommand(t, Options{}, "config", "validate",
		"--database-type", "memory",
		"--secret-file", filepath.Join(t.TempDir(), "missing.yaml"),
	)
	if err == nil || !strings.Contains(err.Error(), "not accessible") {
		t.Fatalf("expected inaccessible secret file error, got %v", err)
	}
}

func TestMigrateAndInspect_MemoryStore(t *testing.T) {
	isolateEnv(t)

	if _, err := executeCommand(t, Options{}, "migrate", "--database-type", "memory"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	out, err := executeCommand(t, Options{}, "inspect", "--database-type", "memory")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	var report struct {
		Instances []map[string]any `yaml:"instances"`
		Locks     []map[string]any `yaml:"locks"`
	}
	if err := yaml.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("inspect output is not YAML: %v\n%s", err, out)
	}
	if len(report.Instances) != 0 || len(report.Locks) != 0 {
		t.Fatalf("expected empty report from a fresh memory store, got %+v", report)
	}
}

func TestSweep_MemoryStore(t *testing.T) {
	isolateEnv(t)

	out, err := executeCommand(t, Options{}, "sweep", "--database-type", "memory")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, "purged 0 expired service instance(s)") {
		t.Fatalf("unexpected sweep output: %q", out)
	}
}

func TestRun_PropagatesExitCode(t *testing.T) {
	requireShell(t)
	isolateEnv(t)

	out, err := executeCommand(t, Options{}, "run", "--database-type", "memory", "--lock", "nightly-report", "--",
		"sh", "-c", "echo holding; exit 3")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 3 {
		t.Fatalf("expected exit code 3, got %d", exitErr.Code)
	}
	if !strings.Contains(out, "holding") {
		t.Fatalf("expected command output, got %q", out)
	}
}

func TestRun_Succeeds(t *testing.T) {
	requireShell(t)
	isolateEnv(t)

	if _, err := executeCommand(t, Options{}, "run", "--database-type", "memory", "--lock", "nightly-report", "--", "sh", "-c", "exit 0"); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRun_ValidatesLockName(t *testing.T) {
	requireShell(t)
	isolateEnv(t)

	_, err := executeCommand(t, Options{}, "run", "--database-type", "memory", "--lock", strings.Repeat("x", 101), "--", "sh", "-c", "exit 0")
	if err == nil || !strings.Contains(err.Error(), "acquire lock") {
		t.Fatalf("expected acquire error for an oversized lock name, got %v", err)
	}
}

func TestRun_RequiresLockFlag(t *testing.T) {
	isolateEnv(t)

	if _, err := executeCommand(t, Options{}, "run", "--database-type", "memory", "--", "true"); err == nil {
		t.Fatal("expected error without --lock")
	}
}

func TestServe_RunsScheduledTaskUntilCanceled(t *testing.T) {
	requireShell(t)
	isolateEnv(t)

	dir := t.TempDir()
	marker := filepath.Join(dir, "runs.log")
	configFile := filepath.Join(dir, "distlock.yaml")
	writeFile(t, configFile, `database:
  type: memory
management:
  enabled: false
scheduler:
  tasks:
    - name: heartbeat-report
      schedule: "@every 1s"
      command: ["sh", "-c", "echo $DISTLOCK_TASK >> `+marker+`"]
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := NewRootCommand(Options{})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"serve", "-c", configFile, "--log-level", "error"})

	done := make(chan error, 1)
	go func() {
		done <- cmd.ExecuteContext(ctx)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		data, err := os.ReadFile(marker)
		if err == nil && strings.Contains(string(data), "heartbeat-report") {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("scheduled task did not run, marker content %q, err %v", string(data), err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
}

func TestExitError(t *testing.T) {
	wrapped := errors.New("lease lost")
	err := &ExitError{Code: 65, Err: wrapped}
	if err.Error() != "lease lost" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, wrapped) {
		t.Fatal("expected ExitError to unwrap")
	}
	if (&ExitError{Code: 2}).Error() != "exit status 2" {
		t.Fatalf("unexpected message %q", (&ExitError{Code: 2}).Error())
	}
}

func executeCommand(t *testing.T, opts Options, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// isolateEnv clears DISTLOCK_* variables that would leak host settings into a test.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, entry := range os.Environ() {
		key, _, _ := strings.Cut(entry, "=")
		if !strings.HasPrefix(key, config.DefaultEnvPrefix+"_") {
			continue
		}
		value := os.Getenv(key)
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
		t.Cleanup(func() { _ = os.Setenv(key, value) })
	}
	t.Setenv("DISTLOCK_LOG_LEVEL", "error")
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

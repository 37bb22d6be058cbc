package support

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// TestContext holds the state of one scenario.
type TestContext struct {
	BinPath string

	// Command execution state
	LastCommand   string
	LastStdout    string
	LastStderr    string
	LastError     error
	LastExitCode  int
	LastStartTime time.Time
	LastDuration  time.Duration

	// Test environment. Commands run inside WorkDir with a private HOME so
	// no config file from the developer's machine is picked up.
	WorkDir string
	EnvVars []string

	// Redis shared by every tally process of the scenario.
	Redis *miniredis.Miniredis

	// Server management
	ServerCmd  *exec.Cmd
	ServerPort int
	ServerLog  *os.File

	// HTTP response state
	LastHTTPStatusCode int
	LastHTTPResponse   []byte
	LastHTTPHeaders    map[string]string
}

// NewTestContext creates a scenario context around the built binary.
func NewTestContext(binPath string) (*TestContext, error) {
	workDir, err := os.MkdirTemp("", "tally-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	home := filepath.Join(workDir, ".home")
	if err := os.MkdirAll(home, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}

	ctx := &TestContext{
		BinPath:         binPath,
		WorkDir:         workDir,
		LastHTTPHeaders: map[string]string{},
	}
	ctx.AddEnvVar("HOME", home)
	ctx.AddEnvVar("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	ctx.AddEnvVar("ANTHROPIC_API_KEY", "")
	return ctx, nil
}

// AddEnvVar adds an environment variable for command execution.
func (testCtx *TestContext) AddEnvVar(name, value string) {
	testCtx.EnvVars = append(testCtx.EnvVars, fmt.Sprintf("%s=%s", name, value))
}

// Path resolves name inside the scenario's working directory.
func (testCtx *TestContext) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(testCtx.WorkDir, name)
}

// Cleanup stops everything the scenario started and removes its files.
func (testCtx *TestContext) Cleanup() error {
	var errs []error
	if err := testCtx.StopServer(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop server: %w", err))
	}
	if testCtx.Redis != nil {
		testCtx.Redis.Close()
		testCtx.Redis = nil
	}
	if err := os.RemoveAll(testCtx.WorkDir); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to remove %s: %w", testCtx.WorkDir, err))
	}
	return errors.Join(errs...)
}

package support

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cucumber/godog"
)

// RegisterCommonSteps registers command execution and output steps.
func (testCtx *TestContext) RegisterCommonSteps(sc *godog.ScenarioContext) {
	sc.Step(`^I run "([^"]*)"$`, testCtx.iRunCommand)
	sc.Step(`^I set the environment variable "([^"]*)" to "([^"]*)"$`, testCtx.iSetTheEnvironmentVariable)
	sc.Step(`^the command should succeed$`, testCtx.theCommandShouldSucceed)
	sc.Step(`^the command should fail$`, testCtx.theCommandShouldFail)
	sc.Step(`^the output should contain "([^"]*)"$`, testCtx.theOutputShouldContain)
	sc.Step(`^the output should not contain "([^"]*)"$`, testCtx.theOutputShouldNotContain)
	sc.Step(`^the error should mention "([^"]*)"$`, testCtx.theErrorShouldMention)
	sc.Step(`^the output should have (\d+) JSON lines?$`, testCtx.theOutputShouldHaveJSONLines)
	sc.Step(`^JSON line (\d+) should have "([^"]*)" equal to "([^"]*)"$`, testCtx.jsonLineShouldHaveField)
	sc.Step(`^the file "([^"]*)" should exist$`, testCtx.theFileShouldExist)
}

func (testCtx *TestContext) iSetTheEnvironmentVariable(name, value string) error {
	testCtx.AddEnvVar(name, value)
	return nil
}

// iRunCommand executes a tally command line inside the working directory.
func (testCtx *TestContext) iRunCommand(command string) error {
	testCtx.LastCommand = command
	testCtx.LastStartTime = time.Now()

	parts := strings.Fields(command)
	if len(parts) == 0 {
		return errors.New("empty command")
	}
	if parts[0] == "tally" {
		parts[0] = testCtx.BinPath
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...) //nolint:gosec // G204: steps run the built CLI
	cmd.Dir = testCtx.WorkDir
	cmd.Env = append(os.Environ(), testCtx.EnvVars...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	testCtx.LastStdout = stdout.String()
	testCtx.LastStderr = stderr.String()
	testCtx.LastError = err
	testCtx.LastDuration = time.Since(testCtx.LastStartTime)

	testCtx.LastExitCode = 0
	if err != nil {
		exitError := &exec.ExitError{}
		if errors.As(err, &exitError) {
			testCtx.LastExitCode = exitError.ExitCode()
		} else {
			testCtx.LastExitCode = -1
		}
	}
	return nil
}

func (testCtx *TestContext) theCommandShouldSucceed() error {
	if testCtx.LastExitCode != 0 {
		return fmt.Errorf("command failed with exit code %d: %w\nStdout: %s\nStderr: %s",
			testCtx.LastExitCode, testCtx.LastError, testCtx.LastStdout, testCtx.LastStderr)
	}
	return nil
}

func (testCtx *TestContext) theCommandShouldFail() error {
	if testCtx.LastExitCode == 0 {
		return fmt.Errorf("command succeeded when it should have failed\nOutput: %s", testCtx.LastStdout)
	}
	return nil
}

func (testCtx *TestContext) theOutputShouldContain(expectedText string) error {
	if !strings.Contains(testCtx.LastStdout, expectedText) {
		return fmt.Errorf("output does not contain '%s'\nActual output: %s", expectedText, testCtx.LastStdout)
	}
	return nil
}

func (testCtx *TestContext) theOutputShouldNotContain(text string) error {
	if strings.Contains(testCtx.LastStdout, text) {
		return fmt.Errorf("output contains '%s'\nActual output: %s", text, testCtx.LastStdout)
	}
	return nil
}

// theErrorShouldMention matches case-insensitively against stderr.
func (testCtx *TestContext) theErrorShouldMention(errorText string) error {
	if testCtx.LastExitCode == 0 {
		return fmt.Errorf("no error occurred, but expected error containing '%s'", errorText)
	}
	if !strings.Contains(strings.ToLower(testCtx.LastStderr), strings.ToLower(errorText)) {
		return fmt.Errorf("error does not contain '%s'\nActual error: %s", errorText, testCtx.LastStderr)
	}
	return nil
}

// jsonLines decodes the stream of JSON values printed on stdout.
func (testCtx *TestContext) jsonLines() ([]map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(testCtx.LastStdout))
	var out []map[string]any
	for dec.More() {
		var v map[string]any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("output is not a JSON stream: %w\nOutput: %s", err, testCtx.LastStdout)
		}
		out = append(out, v)
	}
	return out, nil
}

func (testCtx *TestContext) theOutputShouldHaveJSONLines(n int) error {
	lines, err := testCtx.jsonLines()
	if err != nil {
		return err
	}
	if len(lines) != n {
		return fmt.Errorf("expected %d JSON values, got %d\nOutput: %s", n, len(lines), testCtx.LastStdout)
	}
	return nil
}

// jsonLineShouldHaveField compares the dotted path of the 1-based line
// against want using its JSON text form.
func (testCtx *TestContext) jsonLineShouldHaveField(line int, path, want string) error {
	lines, err := testCtx.jsonLines()
	if err != nil {
		return err
	}
	if line < 1 || line > len(lines) {
		return fmt.Errorf("no JSON line %d (have %d)", line, len(lines))
	}
	got, err := lookup(lines[line-1], path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%s: expected %q, got %q", path, want, got)
	}
	return nil
}

func lookup(data map[string]any, path string) (string, error) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("cannot navigate into non-object at '%s'", part)
		}
		if cur, ok = m[part]; !ok {
			return "", fmt.Errorf("field '%s' not found in JSON", path)
		}
	}
	switch v := cur.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		raw, err := json.Marshal(v)
		return string(raw), err
	}
}

func (testCtx *TestContext) theFileShouldExist(name string) error {
	if _, err := os.Stat(testCtx.Path(name)); err != nil {
		return fmt.Errorf("expected file %s: %w", name, err)
	}
	return nil
}

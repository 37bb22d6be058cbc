package support

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cucumber/godog"
)

// RegisterServerSteps registers steps that run `tally serve` as a process.
func (testCtx *TestContext) RegisterServerSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the tally server is running$`, testCtx.theServerIsRunning)
	sc.Step(`^the tally server is running with "([^"]*)"$`, testCtx.theServerIsRunningWith)
	sc.Step(`^I GET "([^"]*)"$`, testCtx.iGET)
	sc.Step(`^I upload "([^"]*)" to "([^"]*)"$`, testCtx.iUpload)
	sc.Step(`^the response status should be (\d+)$`, testCtx.theResponseStatusShouldBe)
	sc.Step(`^the response should contain "([^"]*)"$`, testCtx.theResponseShouldContain)
	sc.Step(`^the response JSON "([^"]*)" should be "([^"]*)"$`, testCtx.theResponseJSONShouldBe)
	sc.Step(`^the response header "([^"]*)" should be "([^"]*)"$`, testCtx.theResponseHeaderShouldBe)
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.New("unexpected listener address")
	}
	return addr.Port, nil
}

func (testCtx *TestContext) theServerIsRunning() error {
	return testCtx.theServerIsRunningWith("")
}

// theServerIsRunningWith starts the server on a free port and waits for
// /health. Without a Redis step the in-memory broker and store are used.
func (testCtx *TestContext) theServerIsRunningWith(extra string) error {
	port, err := freePort()
	if err != nil {
		return fmt.Errorf("find free port: %w", err)
	}
	args := []string{"serve", "--host", "127.0.0.1", "--port", strconv.Itoa(port)}
	if testCtx.Redis == nil {
		args = append(args, "--broker", "memory")
		testCtx.AddEnvVar("TALLY_RESULTS_STORE", "memory")
	}
	args = append(args, strings.Fields(extra)...)

	logFile, err := os.Create(filepath.Join(testCtx.WorkDir, "server.log"))
	if err != nil {
		return err
	}
	cmd := exec.Command(testCtx.BinPath, args...) //nolint:gosec,noctx // G204: the built CLI; stopped in Cleanup
	cmd.Dir = testCtx.WorkDir
	cmd.Env = append(os.Environ(), testCtx.EnvVars...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("start server: %w", err)
	}
	testCtx.ServerCmd = cmd
	testCtx.ServerPort = port
	testCtx.ServerLog = logFile

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if err := testCtx.iGET("/health"); err == nil && testCtx.LastHTTPStatusCode == http.StatusOK {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	logs, _ := os.ReadFile(logFile.Name())
	return fmt.Errorf("server did not become healthy on port %d\n%s", port, logs)
}

// StopServer interrupts the server and waits for it to exit.
func (testCtx *TestContext) StopServer() error {
	if testCtx.ServerCmd == nil {
		return nil
	}
	cmd := testCtx.ServerCmd
	testCtx.ServerCmd = nil
	defer func() { _ = testCtx.ServerLog.Close() }()

	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		return cmd.Process.Kill()
	}
}

func (testCtx *TestContext) url(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", testCtx.ServerPort, path)
}

func (testCtx *TestContext) do(req *http.Request) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	testCtx.LastHTTPStatusCode = resp.StatusCode
	testCtx.LastHTTPResponse = body
	testCtx.LastHTTPHeaders = map[string]string{}
	for k := range resp.Header {
		testCtx.LastHTTPHeaders[k] = resp.Header.Get(k)
	}
	return nil
}

func (testCtx *TestContext) iGET(path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testCtx.url(path), nil)
	if err != nil {
		return err
	}
	return testCtx.do(req)
}

// iUpload posts name as the "image" field of a multipart form.
func (testCtx *TestContext) iUpload(name, path string) error {
	data, err := os.ReadFile(testCtx.Path(name))
	if err != nil {
		return err
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filepath.Base(name))
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, testCtx.url(path), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return testCtx.do(req)
}

func (testCtx *TestContext) theResponseStatusShouldBe(code int) error {
	if testCtx.LastHTTPStatusCode != code {
		return fmt.Errorf("expected status %d, got %d\nBody: %s", code, testCtx.LastHTTPStatusCode, testCtx.LastHTTPResponse)
	}
	return nil
}

func (testCtx *TestContext) theResponseShouldContain(text string) error {
	if !bytes.Contains(testCtx.LastHTTPResponse, []byte(text)) {
		return fmt.Errorf("response does not contain %q\nBody: %s", text, testCtx.LastHTTPResponse)
	}
	return nil
}

func (testCtx *TestContext) theResponseHeaderShouldBe(name, want string) error {
	if got := testCtx.LastHTTPHeaders[http.CanonicalHeaderKey(name)]; got != want {
		return fmt.Errorf("header %s: expected %q, got %q", name, want, got)
	}
	return nil
}

func (testCtx *TestContext) theResponseJSONShouldBe(path, want string) error {
	var data map[string]any
	if err := json.Unmarshal(testCtx.LastHTTPResponse, &data); err != nil {
		return fmt.Errorf("response is not a JSON object: %w\nBody: %s", err, testCtx.LastHTTPResponse)
	}
	got, err := lookup(data, path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%s: expected %q, got %q", path, want, got)
	}
	return nil
}

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/broker"
	"github.com/MeKo-Tech/tally/internal/config"
	"github.com/MeKo-Tech/tally/internal/results"
	"github.com/MeKo-Tech/tally/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func memoryConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Broker.Driver = config.BrokerMemory
	cfg.Results.Store = config.StoreMemory
	return &cfg
}

// isolate keeps config discovery away from the developer's real files.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	globalConfig = nil
	t.Cleanup(func() { globalConfig = nil })
	return dir
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "tally", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Version)

	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"worker", "serve", "submit", "replay", "validate", "export", "config"} {
		assert.Contains(t, names, want)
	}
}

func TestRootCommandHelp(t *testing.T) {
	isolate(t)
	out, err := runRoot(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "tally sheets")
	assert.Contains(t, out, "Available Commands:")
}

func TestValidateCommand(t *testing.T) {
	dir := isolate(t)
	sheet := filepath.Join(dir, "acta.png")
	require.NoError(t, os.WriteFile(sheet,
		testutil.EncodePNG(t, testutil.GenerateTallySheet(testutil.DefaultSheetConfig())), 0o600))
	wide := filepath.Join(dir, "wide.png")
	require.NoError(t, os.WriteFile(wide, testutil.EncodePNG(t, testutil.CreateTextPage(1000, 200, "PANORAMA")), 0o600))
	outDir := filepath.Join(dir, "out")

	out, err := runRoot(t, "validate", sheet, wide, "--save-processed", outDir)
	require.NoError(t, err)

	dec := json.NewDecoder(strings.NewReader(out))
	var reps []report
	for dec.More() {
		var r report
		require.NoError(t, dec.Decode(&r))
		reps = append(reps, r)
	}
	require.Len(t, reps, 2)
	assert.Equal(t, "acta.png", reps[0].Source)
	assert.True(t, reps[0].Validation.IsValid, reps[0].Validation.Reason)
	assert.Nil(t, reps[0].Record)
	assert.False(t, reps[1].Validation.IsValid)
	assert.FileExists(t, filepath.Join(outDir, "acta_processed.png"))
}

func TestValidateCommand_UnreadableInput(t *testing.T) {
	dir := isolate(t)
	junk := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(junk, []byte("not an image"), 0o600))
	_, err := runRoot(t, "validate", junk)
	assert.Error(t, err)
}

func TestConfigInitCommand(t *testing.T) {
	dir := isolate(t)
	out, err := runRoot(t, "config", "init", filepath.Join(dir, "generated.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "generated.yaml")
	assert.FileExists(t, filepath.Join(dir, "generated.yaml"))
}

func TestCollectImages(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(png, testutil.EncodePNG(t, testutil.CreateTextPage(300, 400, "ACTA")), 0o600))
	jpg := filepath.Join(dir, "b.jpg")
	require.NoError(t, os.WriteFile(jpg, testutil.EncodeJPEG(t, testutil.CreateTextPage(300, 400, "ACTA")), 0o600))

	imgs, err := collectImages([]string{png, jpg}, "")
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, "a.png", imgs[0].name)
	assert.Equal(t, "b.jpg", imgs[1].name)

	_, err = collectImages([]string{filepath.Join(dir, "missing.png")}, "")
	assert.Error(t, err)

	txt := filepath.Join(dir, "c.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0o600))
	_, err = collectImages([]string{png, txt}, "")
	assert.ErrorContains(t, err, "c.txt")
}

func TestReplayTarget(t *testing.T) {
	q := broker.DefaultQueues()
	tests := []struct {
		name, dlq, target, want, errMsg string
	}{
		{"derived target", broker.DLQ(q.Fallback), "", q.Fallback, ""},
		{"explicit target", broker.DLQ(q.Fallback), q.OCR, q.OCR, ""},
		{"not a dlq", q.OCR, "", "", "dead-letter queue"},
		{"foreign dlq", "other.dlq", "", "", "unknown dead-letter"},
		{"unknown target", broker.DLQ(q.OCR), "elsewhere", "", "unknown target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := replayTarget(tt.dlq, tt.target, q)
			if tt.errMsg != "" {
				assert.ErrorContains(t, err, tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApp_SubmitAndList(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, memoryConfig(), appOptions{broker: true, store: true, hub: true})
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.hub)
	assert.Nil(t, a.rdb)

	p, err := a.buildPipeline(nil, nil)
	require.NoError(t, err)
	assert.False(t, p.FallbackEnabled())

	img := testutil.EncodePNG(t, testutil.CreateTextPage(300, 400, "ACTA"))
	require.NoError(t, p.Submit(ctx, "B-1", img))
	n, err := a.broker.Len(ctx, broker.DefaultQueues().Validation)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	q := broker.DefaultQueues()
	require.NoError(t, a.broker.Publish(ctx, broker.DLQ(q.Fallback), map[string]string{"ballotId": "B-2"}))
	buf := new(bytes.Buffer)
	replayCmd.SetOut(buf)
	require.NoError(t, listQueues(ctx, replayCmd, a.broker, q))
	assert.Contains(t, buf.String(), q.Validation)
	assert.Regexp(t, q.Fallback+`\s+0\s+1`, buf.String())
}

func TestApp_UnknownDrivers(t *testing.T) {
	cfg := memoryConfig()
	cfg.Broker.Driver = "kafka"
	_, err := newApp(context.Background(), cfg, appOptions{broker: true})
	assert.ErrorContains(t, err, "kafka")

	cfg = memoryConfig()
	cfg.Results.Store = "sqlite"
	_, err = newApp(context.Background(), cfg, appOptions{store: true})
	assert.ErrorContains(t, err, "sqlite")
}

func TestLoadTemplate(t *testing.T) {
	cfg := memoryConfig()
	tpl, err := loadTemplate(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Template.Name, tpl.Name)

	cfg.Template.Name = "nope"
	_, err = loadTemplate(cfg)
	assert.Error(t, err)
}

func TestBuildFallback(t *testing.T) {
	cfg := memoryConfig()
	cfg.Fallback.Enabled = false
	fb, err := buildFallback(cfg)
	require.NoError(t, err)
	assert.Nil(t, fb)

	cfg.Fallback.Enabled = true
	fb, err = buildFallback(cfg)
	require.NoError(t, err)
	assert.NotNil(t, fb)
}

type fakeReader struct {
	rec *ballot.ExtractionRecord
	err error
}

func (f fakeReader) Read(context.Context, *image.Gray, image.Rectangle) (*ballot.ExtractionRecord, error) {
	return f.rec, f.err
}

type fakeFallback struct {
	rec   *ballot.ExtractionRecord
	err   error
	calls int
}

func (f *fakeFallback) Extract(context.Context, []byte) (*ballot.ExtractionRecord, error) {
	f.calls++
	return f.rec, f.err
}

func TestLocalValidator(t *testing.T) {
	cfg := memoryConfig()
	sheet := namedImage{name: "acta.png", data: testutil.EncodePNG(t, testutil.GenerateTallySheet(testutil.DefaultSheetConfig()))}
	local := &ballot.ExtractionRecord{TableNumber: "10234", OverallConfidence: 0.9, Source: ballot.SourceOCR}
	weak := &ballot.ExtractionRecord{TableNumber: "10234", OverallConfidence: 0.4, Source: ballot.SourceOCR}
	remote := &ballot.ExtractionRecord{TableNumber: "10234", OverallConfidence: 0.85, Source: ballot.SourceAnthropic}

	tests := []struct {
		name      string
		reader    fakeReader
		fallback  *fakeFallback
		want      *ballot.ExtractionRecord
		wantCalls int
		wantErr   string
	}{
		{"confident local reading", fakeReader{rec: local}, &fakeFallback{rec: remote}, local, 0, ""},
		{"weak reading uses fallback", fakeReader{rec: weak}, &fakeFallback{rec: remote}, remote, 1, ""},
		{"reader error uses fallback", fakeReader{err: errors.New("tesseract")}, &fakeFallback{rec: remote}, remote, 1, ""},
		{"fallback failure keeps weak reading", fakeReader{rec: weak}, &fakeFallback{err: errors.New("HTTP 500")}, weak, 1, "HTTP 500"},
		{"no fallback", fakeReader{rec: weak}, nil, weak, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &localValidator{inspector: buildInspector(cfg), reader: tt.reader, threshold: 0.7}
			if tt.fallback != nil {
				v.fallback = tt.fallback
			}
			rep, insp, err := v.run(context.Background(), sheet)
			require.NoError(t, err)
			require.NotNil(t, insp)
			require.True(t, rep.Validation.IsValid, rep.Validation.Reason)
			assert.Equal(t, tt.want, rep.Record)
			assert.Equal(t, tt.wantErr, rep.Error)
			if tt.fallback != nil {
				assert.Equal(t, tt.wantCalls, tt.fallback.calls)
			}
		})
	}
}

func TestExportResults(t *testing.T) {
	ctx := context.Background()
	store := results.NewMemoryStore()
	rec := &ballot.ExtractionRecord{
		TableNumber: "10234",
		Location:    ballot.Location{Department: "La Paz"},
		Votes: ballot.Votes{ValidVotes: 30, PartyVotes: []ballot.PartyVote{
			{PartyID: "CC", Votes: 10}, {PartyID: "MAS", Votes: 20},
		}},
		OverallConfidence: 0.9,
		Source:            ballot.SourceOCR,
	}
	_, err := store.Save(ctx, ballot.Completed("B-1", "h1", rec))
	require.NoError(t, err)
	_, err = store.Save(ctx, ballot.Failed("B-2", "h2", "boom"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.xlsx")
	n, err := exportResults(ctx, results.NewService(store), results.Filter{}, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	wb, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = wb.Close() }()
	rows, err := wb.GetRows("Summary")
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, "Party", rows[0][0])

	_, err = exportResults(ctx, results.NewService(store), results.Filter{}, filepath.Join(t.TempDir(), "missing", "out.xlsx"))
	assert.Error(t, err)
}

func TestExportFilter(t *testing.T) {
	require.NoError(t, exportCmd.Flags().Set("status", "completed"))
	require.NoError(t, exportCmd.Flags().Set("department", "La Paz"))
	t.Cleanup(func() {
		_ = exportCmd.Flags().Set("status", "")
		_ = exportCmd.Flags().Set("department", "")
	})
	f, err := exportFilter(exportCmd)
	require.NoError(t, err)
	assert.Equal(t, ballot.StatusCompleted, f.Status)
	assert.Equal(t, "La Paz", f.Department)

	require.NoError(t, exportCmd.Flags().Set("status", "pending"))
	_, err = exportFilter(exportCmd)
	assert.Error(t, err)
}

func TestApplyServeFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, serveCmd.Flags().Set("port", "9100"))
	require.NoError(t, serveCmd.Flags().Set("rate-limit-enabled", "true"))
	applyServeFlags(serveCmd, &cfg)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.True(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, "localhost", cfg.Server.Host)

	require.NoError(t, serveCmd.Flags().Set("no-fallback", "true"))
	applyWorkerFlags(serveCmd, &cfg)
	assert.False(t, cfg.Fallback.Enabled)
	assert.True(t, cfg.Worker.Sequential)

	require.NoError(t, serveCmd.Flags().Set("per-queue", "true"))
	applyWorkerFlags(serveCmd, &cfg)
	assert.False(t, cfg.Worker.Sequential)
}

func TestTesseractConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	tc := tesseractConfig(&cfg)
	assert.Equal(t, []string{"spa", "eng"}, tc.Languages)
	assert.Empty(t, tc.TessdataPrefix)

	cfg.Extractor.Languages = []string{"spa"}
	cfg.Extractor.TessdataPrefix = "/opt/tessdata"
	tc = tesseractConfig(&cfg)
	assert.Equal(t, []string{"spa"}, tc.Languages)
	assert.Equal(t, "/opt/tessdata", tc.TessdataPrefix)
}

func TestNewServer(t *testing.T) {
	a, err := newApp(context.Background(), memoryConfig(), appOptions{broker: true, store: true, hub: true})
	require.NoError(t, err)
	defer a.Close()

	srv, worker, err := a.newServer(false)
	require.NoError(t, err)
	assert.Nil(t, worker)
	assert.NotNil(t, srv.Handler())
}

package tesseract

import (
	"context"
	"image/color"
	"os/exec"
	"testing"

	"github.com/MeKo-Tech/tally/internal/ocr"
	"github.com/MeKo-Tech/tally/internal/testutil"
	"github.com/MeKo-Tech/tally/internal/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	e := New(Config{})
	assert.Equal(t, []string{"spa", "eng"}, e.cfg.Languages)
	assert.Equal(t, "tesseract", e.Name())
	var _ ocr.Engine = e
}

func TestRecognize_EmptyAndCancelled(t *testing.T) {
	e := New(DefaultConfig())
	text, err := e.Recognize(context.Background(), ocr.Request{})
	require.NoError(t, err)
	assert.Empty(t, text)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Recognize(ctx, ocr.Request{Image: vision.NewBlank(10, 10, 255)})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRecognize_Digits(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Tesseract test in short mode")
	}
	if _, err := exec.LookPath("tesseract"); err != nil {
		t.Skip("tesseract not installed in PATH")
	}

	img := testutil.CreateTestImage(240, 80, color.White)
	testutil.DrawText(img, "120", 40, 14, 4, color.Black)

	e := New(Config{Languages: []string{"eng"}})
	text, err := e.Recognize(context.Background(), ocr.Request{
		Image:     vision.ToGray(img),
		Mode:      ocr.PSMSingleLine,
		Whitelist: ocr.DigitWhitelist,
	})
	require.NoError(t, err)
	assert.Equal(t, "120", text)
}

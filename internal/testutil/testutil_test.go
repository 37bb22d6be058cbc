package testutil

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetProjectRoot(t *testing.T) {
	root, err := GetProjectRoot()
	require.NoError(t, err)
	assert.True(t, FileExists(filepath.Join(root, "go.mod")))
}

func TestWriteTempFile(t *testing.T) {
	path := WriteTempFile(t, "a.txt", []byte("x"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestGenerateTallySheet(t *testing.T) {
	cfg := DefaultSheetConfig()
	img := GenerateTallySheet(cfg)
	assert.Equal(t, image.Rect(0, 0, 1200, 1600), img.Bounds())

	// table rule at the top-left corner of the grid is ink
	r, g, b, _ := img.At(int(TableLeft*1200)+1, int(TableTop*1600)+1).RGBA()
	assert.Less(t, r>>8, uint32(64))
	assert.Less(t, g>>8, uint32(64))
	assert.Less(t, b>>8, uint32(64))

	// logo ring is blue
	r, _, b, _ = img.At(60-38, 75).RGBA()
	assert.Greater(t, b>>8, r>>8)

	sum := 0
	for _, p := range cfg.Parties {
		sum += p.Votes
	}
	assert.Equal(t, cfg.ValidVotes, sum)
}

func TestEncode(t *testing.T) {
	img := CreateTextPage(200, 100, "HELLO")
	assert.NotEmpty(t, EncodePNG(t, img))
	assert.NotEmpty(t, EncodeJPEG(t, img))
}

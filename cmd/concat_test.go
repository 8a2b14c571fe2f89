package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/babelcloud/avrecorder/internal/container"
	"github.com/babelcloud/avrecorder/internal/decode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcatJobMergesManifestAndArgs(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "job.toml")
	require.NoError(t, os.WriteFile(manifest, []byte(`
output = "joined.webm"

[[source]]
path = "a.webm"
clip_start = "2s"
clip_duration = "5s"
`), 0o644))

	refs, output, format, err := concatJob([]string{"/data/b.webm"}, &ConcatOptions{Manifest: manifest})
	require.NoError(t, err)
	assert.Equal(t, "joined.webm", output)
	assert.Empty(t, format)
	require.Len(t, refs, 2)
	assert.Equal(t, decode.SourceRef{Path: filepath.Join(dir, "a.webm"), ClipStart: 2 * time.Second, ClipDuration: 5 * time.Second}, refs[0])
	assert.Equal(t, decode.SourceRef{Path: "/data/b.webm"}, refs[1])

	_, output, format, err = concatJob(nil, &ConcatOptions{Manifest: manifest, Output: "out.mp4", Format: "mp4"})
	require.NoError(t, err)
	assert.Equal(t, "out.mp4", output)
	assert.Equal(t, "mp4", format)
}

func TestSaveManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.toml")
	refs := []decode.SourceRef{
		{Path: "/data/a.webm", ClipStart: 1500 * time.Millisecond},
		{Path: "/data/b.webm", ClipDuration: time.Minute},
	}
	require.NoError(t, saveManifest(path, "joined.mp4", container.FormatMP4, refs))

	loaded, output, format, err := concatJob(nil, &ConcatOptions{Manifest: path})
	require.NoError(t, err)
	assert.Equal(t, refs, loaded)
	assert.Equal(t, "joined.mp4", output)
	assert.Equal(t, "mp4", format)
}

func TestConcatNeedsTwoSources(t *testing.T) {
	err := runConcat(NewConcatCommand(), []string{"only.webm"}, &ConcatOptions{})
	assert.ErrorContains(t, err, "at least two sources")
}

func TestConcatBadManifest(t *testing.T) {
	_, _, _, err := concatJob(nil, &ConcatOptions{Manifest: filepath.Join(t.TempDir(), "missing.toml")})
	assert.Error(t, err)
}

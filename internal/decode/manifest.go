package decode

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Manifest describes a concatenation job in TOML:
//
//	output = "joined.mp4"
//
//	[[source]]
//	path = "part1.webm"
//	clip_start = "2s"
//	clip_duration = "10s"
type Manifest struct {
	Output  string          `toml:"output,omitempty"`
	Format  string          `toml:"format,omitempty"`
	Sources []ManifestEntry `toml:"source"`
}

// ManifestEntry is one [[source]] table.
type ManifestEntry struct {
	Path         string `toml:"path"`
	ClipStart    string `toml:"clip_start,omitempty"`
	ClipDuration string `toml:"clip_duration,omitempty"`
}

// LoadManifest reads a manifest file. Relative source paths are resolved
// against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	base := filepath.Dir(path)
	for i := range m.Sources {
		if p := m.Sources[i].Path; p != "" && !filepath.IsAbs(p) {
			m.Sources[i].Path = filepath.Join(base, p)
		}
	}
	return &m, nil
}

// Refs converts the manifest entries into source references.
func (m *Manifest) Refs() ([]SourceRef, error) {
	refs := make([]SourceRef, 0, len(m.Sources))
	for i, e := range m.Sources {
		if e.Path == "" {
			return nil, fmt.Errorf("source %d: missing path", i)
		}
		ref := SourceRef{Path: e.Path}
		var err error
		if ref.ClipStart, err = parseClip(e.ClipStart); err != nil {
			return nil, fmt.Errorf("source %d: clip_start: %w", i, err)
		}
		if ref.ClipDuration, err = parseClip(e.ClipDuration); err != nil {
			return nil, fmt.Errorf("source %d: clip_duration: %w", i, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func parseClip(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// Save writes the manifest as TOML.
func (m *Manifest) Save(path string) error {
	data, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

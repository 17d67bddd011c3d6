package result

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Key identifies a trial output. Identical keys map to the same file so
// repeated runs overwrite instead of accumulating.
type Key struct {
	Backend           string
	Interface         string
	Zoom              int
	CachePolicy       CachePolicy
	BypassServerCache bool
	Partition         string
	TimeoutMs         int
	Concurrency       int
}

// Path builds the result file location for k under dir.
func Path(dir string, k Key, compress bool) string {
	prefix := "direct"
	if k.Interface != "" {
		prefix = "tiles"
	}
	parts := []string{prefix, k.Backend, fmt.Sprintf("zoom-%d", k.Zoom), clientCacheLabel(k.CachePolicy)}
	if k.BypassServerCache {
		parts = append(parts, "no-server-cache")
	} else {
		parts = append(parts, "server-cache")
	}
	if k.Partition != "" {
		parts = append(parts, k.Partition)
	}
	if k.Concurrency > 0 {
		parts = append(parts, fmt.Sprintf("clients-%d", k.Concurrency))
	}
	name := strings.Join(parts, "_") + ".json"
	if compress {
		name += ".gz"
	}
	return filepath.Join(dir, fmt.Sprintf("timeout-%dms", k.TimeoutMs), name)
}

func clientCacheLabel(p CachePolicy) string {
	switch p {
	case CacheResetGraph:
		return "no-client-graph"
	case CacheResetAll:
		return "no-client-cache"
	default:
		return "client-cache"
	}
}

// WriteSummary persists s at path, gzip-compressed when path ends in .gz.
// The file is replaced atomically.
func WriteSummary(path string, s *Summary) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating result dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".summary-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(tmp)
		w = zw
	}
	if _, err := w.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing summary: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			tmp.Close()
			return fmt.Errorf("compressing summary: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing summary: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming summary: %w", err)
	}
	return nil
}

func ReadSummary(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading summary: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening gzip summary: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	var s Summary
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing summary: %w", err)
	}
	return &s, nil
}

// IsSummaryFile reports whether name looks like a persisted summary.
func IsSummaryFile(name string) bool {
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.gz")
}

// Package trace records timestamped VPW link frames to CSV files with
// automatic rotation, for offline analysis of bus captures.
package trace

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Tracer writes one CSV row per framed payload crossing the link.
type Tracer struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file   *os.File
	writer *csv.Writer
	rows   int
}

// Config holds tracer configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const (
	maxRowsPerFile = 100_000 // rotate after 100k frames
)

var csvHeader = []string{"timestamp", "dir", "len", "bytes"}

// New creates a Tracer. Files are not opened until the first Record call.
func New(cfg Config) *Tracer {
	if cfg.Path == "" {
		cfg.Path = "/var/log/avtlink"
	}
	return &Tracer{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
	}
}

// SetEnabled allows toggling tracing at runtime.
func (t *Tracer) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
	if !on && t.file != nil {
		t.closeFile()
	}
}

// IsEnabled returns whether tracing is active.
func (t *Tracer) IsEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Record writes one frame. dir is "tx" (host to bus) or "rx" (bus to host).
func (t *Tracer) Record(dir string, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.enabled {
		return
	}

	if t.writer == nil || t.rows >= maxRowsPerFile {
		if err := t.rotateFile(time.Now()); err != nil {
			log.Printf("[trace] rotate failed: %v", err)
			return
		}
	}

	row := []string{
		time.Now().Format(time.RFC3339Nano),
		dir,
		fmt.Sprintf("%d", len(payload)),
		fmt.Sprintf("% X", payload),
	}
	if err := t.writer.Write(row); err != nil {
		log.Printf("[trace] write failed: %v", err)
		return
	}
	t.writer.Flush()
	t.rows++
}

// Close flushes and closes the current trace file.
func (t *Tracer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeFile()
}

func (t *Tracer) rotateFile(now time.Time) error {
	t.closeFile()

	if err := os.MkdirAll(t.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", t.dir, err)
	}

	filename := fmt.Sprintf("avtlink_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(t.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	t.file = f
	t.writer = csv.NewWriter(f)
	t.rows = 0

	if err := t.writer.Write(csvHeader); err != nil {
		return err
	}
	t.writer.Flush()

	log.Printf("[trace] opened %s", path)
	return nil
}

func (t *Tracer) closeFile() {
	if t.writer != nil {
		t.writer.Flush()
		t.writer = nil
	}
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

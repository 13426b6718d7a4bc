package us

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	progressFile = ".progress"
	emptyMarker  = "-"
)

// progressTracker remembers, per symbol, the last day fetched or that the
// symbol returned no data, so reruns fetch only new days. The file is an
// append-only log of "SYMBOL<TAB>YYYY-MM-DD|-" lines; the last line wins.
type progressTracker struct {
	mu     sync.Mutex
	last   map[string]string
	writer *bufio.Writer
	file   *os.File
}

// newProgressTracker opens the log under dir and replays it.
func newProgressTracker(dir string) (*progressTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}

	pt := &progressTracker{last: make(map[string]string)}

	path := filepath.Join(dir, progressFile)
	if data, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			sym, val, ok := strings.Cut(strings.TrimSpace(line), "\t")
			if ok && sym != "" {
				pt.last[sym] = val
			}
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", progressFile, err)
	}
	pt.file = f
	pt.writer = bufio.NewWriter(f)
	return pt, nil
}

// LastFetched returns the last stored day of symbol.
func (p *progressTracker) LastFetched(symbol string) (time.Time, bool) {
	p.mu.Lock()
	v := p.last[symbol]
	p.mu.Unlock()
	if v == "" || v == emptyMarker {
		return time.Time{}, false
	}
	t, err := time.Parse(time.DateOnly, v)
	return t, err == nil
}

// IsEmpty reports whether symbol was tried and returned no data.
func (p *progressTracker) IsEmpty(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last[symbol] == emptyMarker
}

// MarkFetched records day as the last stored day of each symbol.
func (p *progressTracker) MarkFetched(days map[string]time.Time) error {
	vals := make(map[string]string, len(days))
	for sym, d := range days {
		vals[sym] = d.Format(time.DateOnly)
	}
	return p.record(vals)
}

// MarkEmpty records symbols that returned no data.
func (p *progressTracker) MarkEmpty(symbols []string) error {
	vals := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		vals[sym] = emptyMarker
	}
	return p.record(vals)
}

func (p *progressTracker) record(vals map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sym, v := range vals {
		// An empty answer for an incremental range keeps the known date.
		if v == emptyMarker && p.last[sym] != "" && p.last[sym] != emptyMarker {
			continue
		}
		if p.last[sym] == v {
			continue
		}
		p.last[sym] = v
		if _, err := p.writer.WriteString(sym + "\t" + v + "\n"); err != nil {
			return fmt.Errorf("writing %s: %w", progressFile, err)
		}
	}
	return p.writer.Flush()
}

// Close flushes and closes the log.
func (p *progressTracker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		p.writer.Flush()
	}
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

package tradelog

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CSV appends records to a comma separated file, one line per fill, and
// flushes after every record so a crash loses at most the record in flight.
type CSV struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
	path   string
}

// FileName is the name a session started at ts logs into.
func FileName(ts time.Time) string {
	return fmt.Sprintf("paper_trades_%s.csv", ts.Format("20060102_150405"))
}

// CreateCSV creates dir if needed and opens a new session file in it.
func CreateCSV(dir string, ts time.Time) (*CSV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trade log dir: %w", err)
	}

	path := filepath.Join(dir, FileName(ts))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trade log: %w", err)
	}

	c, err := NewCSV(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	c.path = path
	return c, nil
}

// NewCSV writes the header to w and returns a sink appending to it. If w is
// an io.Closer it is closed by Close.
func NewCSV(w io.Writer) (*CSV, error) {
	c := &CSV{w: csv.NewWriter(w)}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}
	if err := c.writeLine(Header); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CSV) Path() string { return c.path }

func (c *CSV) Write(_ context.Context, record Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLine(record.Fields())
}

func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.w.Flush()
	err := c.w.Error()
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
		c.closer = nil
	}
	return err
}

func (c *CSV) writeLine(fields []string) error {
	if err := c.w.Write(fields); err != nil {
		return fmt.Errorf("write trade record: %w", err)
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("flush trade record: %w", err)
	}
	return nil
}

package peak

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// SeqCounter is a monotonic counter persisted to a local file, fsync'd on
// every increment so that restarts resume strictly after the last
// dispensed value.
type SeqCounter struct {
	mu   sync.Mutex
	path string
	file *os.File
	next uint64
}

// OpenSeqCounter opens (or creates) the counter file at path and loads its
// last persisted value.
func OpenSeqCounter(path string) (*SeqCounter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("peak: open seq file %q: %w", path, err)
	}

	c := &SeqCounter{path: path, file: f}
	if err := c.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return c, nil
}

func (c *SeqCounter) load() error {
	data := make([]byte, 32)
	n, err := c.file.ReadAt(data, 0)
	if err != nil && n == 0 {
		c.next = 0
		return nil
	}
	text := strings.TrimSpace(string(data[:n]))
	if text == "" {
		c.next = 0
		return nil
	}
	v, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return fmt.Errorf("peak: parse seq file %q: %w", c.path, err)
	}
	c.next = v
	return nil
}

// Next returns the next strictly increasing sequence number, persisting and
// fsyncing the new value before returning it.
func (c *SeqCounter) Next() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.next++
	v := c.next

	if err := c.file.Truncate(0); err != nil {
		return 0, fmt.Errorf("peak: truncate seq file: %w", err)
	}
	if _, err := c.file.WriteAt([]byte(strconv.FormatUint(v, 10)), 0); err != nil {
		return 0, fmt.Errorf("peak: write seq file: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return 0, fmt.Errorf("peak: fsync seq file: %w", err)
	}
	return v, nil
}

// Close closes the underlying file.
func (c *SeqCounter) Close() error {
	return c.file.Close()
}

package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

// deadLetterEntry is one JSON line of the dead-letter log.
type deadLetterEntry struct {
	Record   *domain.AuditRecord `json:"record"`
	Error    string              `json:"error"`
	FailedAt time.Time           `json:"failed_at"`
}

// DeadLetter is an append-only JSON-lines file holding audit records that
// could not be persisted.
type DeadLetter struct {
	path string
	mu   sync.Mutex
}

func NewDeadLetter(path string) *DeadLetter {
	return &DeadLetter{path: path}
}

// Path returns the file location.
func (d *DeadLetter) Path() string { return d.path }

// Write appends rec and the failure that sent it here.
func (d *DeadLetter) Write(rec *domain.AuditRecord, cause error) error {
	entry := deadLetterEntry{Record: rec, FailedAt: time.Now().UTC()}
	if cause != nil {
		entry.Error = cause.Error()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "marshal dead letter")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "create dead letter directory")
	}
	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "open dead letter file")
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "write dead letter")
	}
	return f.Sync()
}

// Drain passes every stored record to fn. Records for which fn fails are
// written back; the rest are removed. It returns how many were replayed and
// how many remain.
func (d *DeadLetter) Drain(fn func(*domain.AuditRecord) error) (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := d.readLocked()
	if err != nil || len(entries) == 0 {
		return 0, 0, err
	}

	var keep []deadLetterEntry
	replayed := 0
	for _, e := range entries {
		if err := fn(e.Record); err != nil {
			e.Error = err.Error()
			keep = append(keep, e)
			continue
		}
		replayed++
	}

	if err := d.rewriteLocked(keep); err != nil {
		return replayed, len(keep), err
	}
	return replayed, len(keep), nil
}

// Len reports how many records are waiting.
func (d *DeadLetter) Len() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries, err := d.readLocked()
	return len(entries), err
}

func (d *DeadLetter) readLocked() ([]deadLetterEntry, error) {
	f, err := os.Open(d.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "open dead letter file")
	}
	defer f.Close()

	var entries []deadLetterEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e deadLetterEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "corrupt dead letter line")
		}
		if e.Record != nil {
			entries = append(entries, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "read dead letter file")
	}
	return entries, nil
}

// rewriteLocked replaces the file through a temp file and rename.
func (d *DeadLetter) rewriteLocked(entries []deadLetterEntry) error {
	if len(entries) == 0 {
		if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, errors.ErrCodeInternal, "remove dead letter file")
		}
		return nil
	}

	tmp := d.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "open dead letter temp file")
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			f.Close()
			return errors.Wrap(err, errors.ErrCodeInternal, "write dead letter temp file")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, errors.ErrCodeInternal, "flush dead letter temp file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "close dead letter temp file")
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "replace dead letter file")
	}
	return nil
}

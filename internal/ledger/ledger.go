// Package ledger is the append-only JSONL event log. One line per
// meaningful transition: signals generated, blocked and approved, and
// orders placed or exited.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event kinds written by the worker and lifecycle manager.
const (
	KindSignalGenerated = "signal_generated"
	KindSignalBlocked   = "signal_blocked"
	KindSignalApproved  = "signal_approved"
	KindOrderPlaced     = "order_placed"
	KindOrderError      = "order_error"
	KindOrderStatus     = "order_status"
	KindOrderExit       = "order_exit"
	KindCancelRequest   = "order_cancel_req"
	KindCancelResponse  = "order_cancel_resp"
)

// Entry is one ledger line. TS is unix seconds with sub-second precision.
type Entry struct {
	TS   float64        `json:"ts"`
	Kind string         `json:"kind"`
	Data map[string]any `json:"data"`
}

func (e Entry) Time() time.Time {
	sec := int64(e.TS)
	nsec := int64((e.TS - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

type Ledger struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func New(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &Ledger{path: path, now: time.Now}, nil
}

func (l *Ledger) Path() string { return l.path }

func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Event appends a record of the given kind.
func (l *Ledger) Event(kind string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	ts := l.now().UTC()
	entry := Entry{
		TS:   float64(ts.UnixNano()) / 1e9,
		Kind: kind,
		Data: data,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// ReadEvents returns up to limit of the most recent entries, oldest first.
// Lines that fail to parse are skipped.
func (l *Ledger) ReadEvents(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 200
	}
	l.mu.Lock()
	data, err := os.ReadFile(l.path)
	l.mu.Unlock()
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var lines [][]byte
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), sc.Bytes()...))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}

	out := make([]Entry, 0, len(lines))
	for _, ln := range lines {
		var e Entry
		if err := json.Unmarshal(ln, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

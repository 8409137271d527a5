package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuditEvent is one appended audit record.
type AuditEvent struct {
	Timestamp time.Time `json:"ts"`
	Event     string    `json:"event"`
	Payload   any       `json:"payload,omitempty"`
}

// AuditLog is an append-only, day-partitioned event stream. Appends never
// block or fail the caller: write errors are logged and swallowed.
type AuditLog struct {
	logger *zap.Logger
	dir    string

	mu   sync.Mutex
	day  string
	file *os.File
}

// NewAuditLog creates the log directory and returns the log.
func NewAuditLog(logger *zap.Logger, dir string) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &AuditLog{logger: logger.Named("audit"), dir: dir}, nil
}

// Append writes one event to today's partition.
func (a *AuditLog) Append(event string, payload any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	day := time.Now().UTC().Format("2006-01-02")
	if a.file == nil || day != a.day {
		if a.file != nil {
			a.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(a.dir, "audit-"+day+".jsonl"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			a.logger.Warn("audit log rotate failed", zap.Error(err))
			a.file = nil
			return
		}
		a.file = f
		a.day = day
	}

	line, err := json.Marshal(AuditEvent{Timestamp: time.Now().UTC(), Event: event, Payload: payload})
	if err != nil {
		a.logger.Warn("audit event encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		a.logger.Warn("audit append failed", zap.String("event", event), zap.Error(err))
	}
}

// Tail returns up to n raw lines from today's partition, newest last. Used
// for post-mortem snapshots.
func (a *AuditLog) Tail(n int) []string {
	a.mu.Lock()
	day := a.day
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}
	a.mu.Unlock()

	f, err := os.Open(filepath.Join(a.dir, "audit-"+day+".jsonl"))
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines
}

// Close releases the current partition file.
func (a *AuditLog) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		a.file.Close()
		a.file = nil
	}
}

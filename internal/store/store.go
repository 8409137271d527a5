// Package store provides file-backed persistence: a JSON key/value store
// with atomic writes, a short-TTL signal cache and an append-only audit log.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a namespace has never been written.
var ErrNotFound = errors.New("namespace not found")

// envelopeVersion tags the on-disk record format.
const envelopeVersion = 1

// envelope wraps every persisted value with a format version.
type envelope struct {
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Value     json.RawMessage `json:"value"`
}

// Storage is a file-per-namespace JSON store. Writes go through a temp file
// and rename so a crash never leaves a torn record.
type Storage struct {
	logger *zap.Logger
	dir    string
}

// NewStorage creates the storage directory and returns a store.
func NewStorage(logger *zap.Logger, dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{logger: logger.Named("storage"), dir: dir}, nil
}

func (s *Storage) path(namespace string) string {
	return filepath.Join(s.dir, namespace+".json")
}

// Set persists a value under a namespace atomically.
func (s *Storage) Set(namespace string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", namespace, err)
	}
	data, err := json.MarshalIndent(envelope{
		Version:   envelopeVersion,
		UpdatedAt: time.Now().UTC(),
		Value:     raw,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", namespace, err)
	}

	tmp := s.path(namespace) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", namespace, err)
	}
	if err := os.Rename(tmp, s.path(namespace)); err != nil {
		return fmt.Errorf("commit %s: %w", namespace, err)
	}
	return nil
}

// Get loads a namespace into value. Returns ErrNotFound for namespaces that
// were never written.
func (s *Storage) Get(namespace string, value any) error {
	data, err := os.ReadFile(s.path(namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", namespace, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope %s: %w", namespace, err)
	}
	if err := json.Unmarshal(env.Value, value); err != nil {
		return fmt.Errorf("decode %s: %w", namespace, err)
	}
	return nil
}

// Delete removes a namespace. Missing namespaces are not an error.
func (s *Storage) Delete(namespace string) error {
	err := os.Remove(s.path(namespace))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", namespace, err)
	}
	return nil
}

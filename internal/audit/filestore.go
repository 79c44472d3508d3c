// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package audit

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// FileStore appends audit events as JSON lines to a log file, rotating it
// once it exceeds a size threshold and keeping a bounded ring of prior
// files (audit.log.1 is the newest rotated file).
type FileStore struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	maxFiles int
	file     *os.File
	size     int64
}

// NewFileStore opens (or creates) the audit log at path. maxBytes is the
// rotation threshold; maxFiles is the number of rotated files kept.
func NewFileStore(path string, maxBytes int64, maxFiles int) (*FileStore, error) {
	if maxBytes <= 0 {
		maxBytes = 10 << 20 // 10MB
	}
	if maxFiles <= 0 {
		maxFiles = 5
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	s := &FileStore{path: path, maxBytes: maxBytes, maxFiles: maxFiles}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit log: %w", err)
	}
	s.file = f
	s.size = info.Size()
	return nil
}

// Save appends one event as a JSON line, rotating first if the file has
// grown past the threshold.
func (s *FileStore) Save(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size+int64(len(data)) > s.maxBytes {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := s.file.Write(data)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// rotateLocked shifts the ring: audit.log.N-1 -> audit.log.N, ...,
// audit.log -> audit.log.1. The oldest file falls off the end. The ring
// shifts before the live file is touched, so a rename failure leaves
// the store appendable; events keep landing in the oversized file.
func (s *FileStore) rotateLocked() error {
	for i := s.maxFiles - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		to := fmt.Sprintf("%s.%d", s.path, i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("failed to rotate %s: %w", from, err)
			}
		}
	}

	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("failed to close audit log for rotation: %w", err)
		}
		s.file = nil
	}
	if err := os.Rename(s.path, s.path+".1"); err != nil {
		if openErr := s.open(); openErr != nil {
			return fmt.Errorf("failed to rotate audit log: %w", errors.Join(err, openErr))
		}
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}
	return s.open()
}

// Close flushes and closes the underlying file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ReadRange returns persisted events with timestamps in [start, end],
// oldest first. Compliance reports read the ring this way; lines that
// fail to parse are skipped, since a half-written trailing line must not
// poison a report.
func (s *FileStore) ReadRange(start, end time.Time) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, s.maxFiles+1)
	for i := s.maxFiles; i >= 1; i-- {
		paths = append(paths, fmt.Sprintf("%s.%d", s.path, i))
	}
	paths = append(paths, s.path)

	var events []*Event
	for _, p := range paths {
		f, err := os.Open(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log %s: %w", p, err)
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
		for scanner.Scan() {
			var event Event
			if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
				continue
			}
			if event.Timestamp.Before(start) || event.Timestamp.After(end) {
				continue
			}
			events = append(events, &event)
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read audit log %s: %w", p, err)
		}
	}
	return events, nil
}

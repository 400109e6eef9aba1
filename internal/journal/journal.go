// Package journal persists committed marketplace events as an append-only
// JSON-lines file. External indexers replay the file to rebuild their view;
// the engine itself never reads it back.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/uniqx/market-engine/internal/market"
)

// Journal appends events to a single file, one JSON document per line.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	log    *zap.Logger
}

// Open creates or appends to the journal file at path, creating parent
// directories as needed.
func Open(path string, log *zap.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{
		file:   f,
		writer: bufio.NewWriter(f),
		log:    log,
	}, nil
}

var _ market.Sink = (*Journal)(nil)

// Publish appends the event. Journal trouble is logged, never surfaced; the
// operation producing the event has already committed.
func (j *Journal) Publish(_ context.Context, ev market.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	line, err := json.Marshal(ev)
	if err != nil {
		j.log.Error("journal marshal failed", zap.Uint64("seq", ev.Seq), zap.Error(err))
		return
	}
	if _, err := j.writer.Write(append(line, '\n')); err != nil {
		j.log.Error("journal append failed", zap.Uint64("seq", ev.Seq), zap.Error(err))
	}
}

// Sync flushes buffered events to stable storage.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Sync()
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}

// Entry is one replayed record. Data is kept raw; replayers decode the
// payload they care about by event type.
type Entry struct {
	Seq  uint64           `json:"seq"`
	Type market.EventType `json:"type"`
	Data json.RawMessage  `json:"data"`
}

// Replay streams every journal entry at path through fn, stopping on the
// first error fn returns.
func Replay(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return fmt.Errorf("journal line %d: %w", lineNo, err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

package saga

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// WAL writes serialized checkpoints for durability.
type WAL interface {
	Write(ctx context.Context, data []byte) error
}

type journalRecord struct {
	Key   string `json:"key"`
	State State  `json:"state"`
}

// Journal keeps checkpoints in memory, writing each one to the WAL first when one is set.
type Journal struct {
	mu     sync.RWMutex
	states map[string]State
	wal    WAL
}

// NewJournal constructs a Journal. A nil wal keeps checkpoints in memory only.
func NewJournal(wal WAL) *Journal {
	return &Journal{
		states: make(map[string]State),
		wal:    wal,
	}
}

// NewJournalWithRecovery constructs a Journal and replays the WAL into memory. A
// record torn by a crash mid-write is cut off the end of the file; an unreadable
// record followed by others fails recovery.
func NewJournalWithRecovery(wal *FileWAL, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	j := NewJournal(wal)
	if err := j.loadFromWAL(wal, logger); err != nil {
		return nil, err
	}
	return j, nil
}

// Checkpoint writes the state to the WAL before updating memory.
func (j *Journal) Checkpoint(ctx context.Context, key string, state State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if j.wal != nil {
		payload, err := json.Marshal(journalRecord{Key: key, State: state})
		if err != nil {
			return err
		}
		if err := j.wal.Write(ctx, payload); err != nil {
			return err
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.states[key] = state
	return nil
}

// Resume returns the latest checkpoint for key.
func (j *Journal) Resume(ctx context.Context, key string) (State, bool, error) {
	if err := ctx.Err(); err != nil {
		return State{}, false, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	state, ok := j.states[key]
	return state, ok, nil
}

func (j *Journal) loadFromWAL(w *FileWAL, logger *zap.Logger) (err error) {
	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	j.mu.Lock()
	defer j.mu.Unlock()

	var (
		offset int64
		tornAt int64
		torn   error
	)
	reader := bufio.NewReader(file)
	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return readErr
		}
		if record := bytes.TrimSpace(line); len(record) > 0 {
			if torn != nil {
				return fmt.Errorf("checkpoint wal %s: corrupt record at byte %d: %w", w.path, tornAt, torn)
			}
			var rec journalRecord
			if err := json.Unmarshal(record, &rec); err != nil {
				torn, tornAt = err, offset
			} else {
				j.states[rec.Key] = rec.State
			}
		}
		offset += int64(len(line))
		if readErr != nil {
			break
		}
	}

	if torn == nil {
		return nil
	}
	logger.Warn("dropping torn checkpoint record",
		zap.String("path", w.path),
		zap.Int64("offset", tornAt),
		zap.Int64("bytes", offset-tornAt),
		zap.Error(torn),
	)
	return w.truncate(tornAt)
}

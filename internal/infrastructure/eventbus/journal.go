package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/veridex/veridex/internal/application/port/output"
)

// Journal is an append-only NDJSON mirror of published events.
// One JSON object per line; entries are normalized so every line has
// the same schema.
type Journal struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
}

// NewJournal creates a journal writing to path on fs
func NewJournal(fs afero.Fs, path string) (*Journal, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	return &Journal{fs: fs, path: path}, nil
}

// journalEntry is the normalized on-disk schema
type journalEntry struct {
	Ts         string            `json:"ts"`
	EventID    string            `json:"event_id"`
	Name       string            `json:"name"`
	RunID      string            `json:"run_id"`
	Stage      string            `json:"stage"`
	PayloadRef string            `json:"payload_ref"`
	Details    map[string]string `json:"details"`
}

// Append writes one event as a single NDJSON line
func (j *Journal) Append(event output.Event) error {
	entry := journalEntry{
		Ts:         event.Timestamp.UTC().Format(time.RFC3339Nano),
		EventID:    event.EventID,
		Name:       string(event.Name),
		RunID:      event.RunID,
		Stage:      event.Stage,
		PayloadRef: event.PayloadRef,
		Details:    event.Details,
	}
	if entry.Details == nil {
		entry.Details = map[string]string{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := j.fs.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	return nil
}

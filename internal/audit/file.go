package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/logging"
)

// FileBackup saves audit events to local JSON files.
type FileBackup struct {
	dir string
}

// NewFileBackup creates the directory if needed.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./audit"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	return &FileBackup{dir: dir}, nil
}

func (f *FileBackup) filename(evt *Event) string {
	return fmt.Sprintf("%s_%020d.json", evt.Database, evt.Transaction.Revision)
}

// Save writes an event as {database}_{revision}.json.
func (f *FileBackup) Save(evt *Event) error {
	path := filepath.Join(f.dir, f.filename(evt))

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// Load reads every saved event of a database in revision order.
func (f *FileBackup) Load(database string) ([]*Event, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read audit dir: %w", err)
	}

	prefix := database + "_"
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	// Zero-padded revisions sort lexically.
	sort.Strings(names)

	events := make([]*Event, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		events = append(events, &evt)
	}
	return events, nil
}

// FileEmitter writes chained events to files only.
type FileEmitter struct {
	chainTracker *ChainTracker
	backup       *FileBackup
	log          *slog.Logger
}

// NewFileEmitter creates an emitter that writes events and chain heads to dir.
func NewFileEmitter(dir string) (*FileEmitter, error) {
	chainTracker, err := NewChainTracker(dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}

	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &FileEmitter{
		chainTracker: chainTracker,
		backup:       backup,
		log:          logging.Component("audit"),
	}, nil
}

// Emit links evt to its chain, saves it and advances the chain head.
func (e *FileEmitter) Emit(_ context.Context, evt *Event) error {
	if err := chain(e.chainTracker, evt); err != nil {
		return err
	}

	e.log.Debug("audit event",
		"database", evt.Database,
		"revision", evt.Transaction.Revision,
		"event_hash", evt.Chain.EventHash,
	)

	if err := e.backup.Save(evt); err != nil {
		return err
	}

	if err := e.chainTracker.SetHead(evt.ChainKey(), evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update audit chain head", "error", err)
	}
	return nil
}

// Close releases resources.
func (e *FileEmitter) Close() error {
	return nil
}

// chain fills in the event id and chain hashes from the tracker's head.
func chain(ct *ChainTracker, evt *Event) error {
	prevHash, err := ct.GetHead(evt.ChainKey())
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}

	evt.EventID = GenerateEventID()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Version = EventVersion
	evt.EventType = EventTypeCommit
	evt.SetChainHashes(prevHash)
	return nil
}

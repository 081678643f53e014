package catalog

import (
	"fmt"
	"sort"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/txlog"
)

// FileEntry is one live file and the opaque metadata it was added with.
type FileEntry struct {
	Path     objectstore.Path
	Metadata []byte
	// Revision that added the file.
	Revision uint64
}

// State is the live-file set at some revision. Methods that read are
// exported; mutation happens only through replay and commit.
type State struct {
	files map[string]FileEntry
}

func newState() *State {
	return &State{files: make(map[string]FileEntry)}
}

func (s *State) clone() *State {
	c := &State{files: make(map[string]FileEntry, len(s.files))}
	for k, v := range s.files {
		c.files[k] = v
	}
	return c
}

// Contains reports whether p is live.
func (s *State) Contains(p objectstore.Path) bool {
	_, ok := s.files[p.String()]
	return ok
}

// File returns the live entry for p.
func (s *State) File(p objectstore.Path) (FileEntry, bool) {
	e, ok := s.files[p.String()]
	return e, ok
}

// FilesUnder returns the live entries below the directory dir, sorted by path.
func (s *State) FilesUnder(dir objectstore.Path) []FileEntry {
	var out []FileEntry
	for _, e := range s.files {
		if e.Path.HasPrefix(dir) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path.String() < out[j].Path.String() })
	return out
}

// Len returns the number of live files.
func (s *State) Len() int {
	return len(s.files)
}

// Files returns every live entry sorted by path.
func (s *State) Files() []FileEntry {
	out := make([]FileEntry, 0, len(s.files))
	for _, e := range s.files {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path.String() < out[j].Path.String() })
	return out
}

// apply replays the actions of one transaction in order. On error the state
// is left partially modified; callers apply to a clone.
func (s *State) apply(rev uint64, actions []txlog.Action) error {
	for i, a := range actions {
		switch a.Kind {
		case txlog.ActionUpgrade:
			if i > 0 {
				return fmt.Errorf("action %d: %w", i, txlog.ErrUpgradeNotFirst)
			}
			s.files = make(map[string]FileEntry)
		case txlog.ActionAddParquet:
			key := a.Path.String()
			if _, ok := s.files[key]; ok {
				return fmt.Errorf("action %d: %w: %s", i, ErrFileAlreadyLive, key)
			}
			s.files[key] = FileEntry{Path: a.Path, Metadata: a.Metadata, Revision: rev}
		case txlog.ActionRemoveParquet:
			key := a.Path.String()
			if _, ok := s.files[key]; !ok {
				return fmt.Errorf("action %d: %w: %s", i, ErrFileNotLive, key)
			}
			delete(s.files, key)
		default:
			return fmt.Errorf("action %d: unknown kind %s", i, a.Kind)
		}
	}
	return nil
}

// checkpointActions folds the live set into Upgrade plus one AddParquet per
// file, sorted by path so the result is deterministic.
func (s *State) checkpointActions() []txlog.Action {
	files := s.Files()
	actions := make([]txlog.Action, 0, len(files)+1)
	actions = append(actions, txlog.NewUpgrade(CheckpointFormat))
	for _, f := range files {
		actions = append(actions, txlog.NewAddParquet(f.Path, f.Metadata))
	}
	return actions
}

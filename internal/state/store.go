package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// formatVersion is written into every state file. Files with a newer version
// are rejected rather than misread.
const formatVersion = 1

// fileExt is the extension of state files in the state directory.
const fileExt = ".yaml"

// document is the on-disk YAML layout of a release state file.
type document struct {
	Version   int      `yaml:"version"`
	ReleaseID string   `yaml:"release_id"`
	Steps     []Record `yaml:"steps"`
}

// Store persists release states as YAML files in a directory.
//
// Use [NewStore] to create one. A Store assumes a single process mutates a
// release at a time; it does no locking.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates a Store rooted at dir. The directory is created on the
// first write.
func NewStore(dir string) *Store {
	return &Store{
		dir: dir,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the state file of a release.
func (s *Store) Path(releaseID string) string {
	return filepath.Join(s.dir, releaseID+fileExt)
}

// Load reads the state of a release.
//
// It returns an empty state when the release has no file yet. It returns a
// [*StorageError] when the file cannot be read or parsed, and an
// [*InvariantViolation] when the records break the release invariants.
func (s *Store) Load(releaseID string) (*ReleaseState, error) {
	path := s.Path(releaseID)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(releaseID), nil
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &StorageError{Op: "parse", Path: path, Err: err}
	}
	if doc.Version > formatVersion {
		return nil, &StorageError{Op: "parse", Path: path, Err: fmt.Errorf("unsupported format version %d", doc.Version)}
	}
	if doc.ReleaseID != releaseID {
		return nil, &InvariantViolation{
			ReleaseID: releaseID,
			Reason:    fmt.Sprintf("state file %s belongs to release %q", path, doc.ReleaseID),
		}
	}

	rs := &ReleaseState{ReleaseID: releaseID, Records: doc.Steps}
	if err := Validate(rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// Record durably stores rec, replacing any earlier record for the same step
// and branch.
//
// The file is rewritten through a temporary file that is synced to disk and
// renamed into place, and the directory is synced afterwards, so the record
// survives a crash as soon as Record returns. A record that would break the
// release invariants is rejected with an [*InvariantViolation] and nothing is
// written.
func (s *Store) Record(releaseID string, rec Record) error {
	rs, err := s.Load(releaseID)
	if err != nil {
		return err
	}

	rec.UpdatedAt = s.now()
	rs.Set(rec)
	if err := Validate(rs); err != nil {
		return err
	}

	return s.write(rs)
}

// write serializes the state and replaces the state file atomically.
func (s *Store) write(rs *ReleaseState) error {
	path := s.Path(rs.ReleaseID)

	data, err := yaml.Marshal(&document{
		Version:   formatVersion,
		ReleaseID: rs.ReleaseID,
		Steps:     rs.Records,
	})
	if err != nil {
		return &StorageError{Op: "encode", Path: path, Err: err}
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}

	tmpPath := path + ".tmp"
	if err := writeSynced(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return &StorageError{Op: "write", Path: path, Err: err}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &StorageError{Op: "write", Path: path, Err: err}
	}

	if err := syncDir(s.dir); err != nil {
		return &StorageError{Op: "sync", Path: path, Err: err}
	}

	return nil
}

// writeSynced writes data to path and fsyncs it before closing.
func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir makes a completed rename durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// List returns the ids of all releases with a state file, sorted ascending.
// A missing state directory yields an empty list.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "list", Path: s.dir, Err: err}
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), fileExt)
		if ValidateReleaseID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Latest returns the most recent release id. Release ids sort
// chronologically, so this is the greatest id in the state directory.
// Returns [ErrNoRelease] when there is none.
func (s *Store) Latest() (string, error) {
	ids, err := s.List()
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", ErrNoRelease
	}
	return ids[len(ids)-1], nil
}

// Package settings persists the selected model and the generation parameters
// in a small versioned document next to the session database.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"isotope/internal/common/fsutil"
	"isotope/internal/config"
	"isotope/internal/engine"
	"isotope/internal/registry"
)

// CurrentVersion is the document layout written by this build.
// Version 1 documents predate seed and repeat_last_n.
const CurrentVersion = 2

// Document is the on-disk form. The model is stored by repository name.
type Document struct {
	Version          int                   `json:"version" yaml:"version" toml:"version"`
	SelectedModel    string                `json:"selected_model" yaml:"selected_model" toml:"selected_model"`
	GenerationParams engine.SamplingConfig `json:"generation_params" yaml:"generation_params" toml:"generation_params"`
}

// Snapshot is the resolved, validated view of the document.
type Snapshot struct {
	Model    registry.Identifier
	Sampling engine.SamplingConfig
}

// PersistenceError reports a settings file that could not be read or written.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("settings %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistence reports whether err came from reading or writing settings.
func IsPersistence(err error) bool {
	var e *PersistenceError
	return errors.As(err, &e)
}

// Defaults returns the snapshot used on first start.
func Defaults() Snapshot {
	return Snapshot{Model: registry.Default, Sampling: engine.DefaultSamplingConfig()}
}

// Store guards one settings file. Mutations are written through before the
// in-memory copy changes, so a failed write leaves both untouched.
type Store struct {
	path string
	log  zerolog.Logger

	mu   sync.Mutex
	snap Snapshot
}

// Open loads path, creating it with defaults when it does not exist.
func Open(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{path: path, log: log, snap: Defaults()}
	if _, err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load rereads the file and replaces the in-memory snapshot.
func (s *Store) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		snap := Defaults()
		if err := s.write(snap); err != nil {
			return Snapshot{}, err
		}
		s.log.Info().Str("path", s.path).Msg("settings initialized with defaults")
		s.snap = snap
		return snap.clone(), nil
	}
	if err != nil {
		return Snapshot{}, &PersistenceError{Op: "read", Path: s.path, Err: err}
	}

	var doc Document
	if err := config.Unmarshal(ext(s.path), b, &doc); err != nil {
		return Snapshot{}, &PersistenceError{Op: "decode", Path: s.path, Err: err}
	}
	snap, migrated, err := s.resolve(doc)
	if err != nil {
		return Snapshot{}, err
	}
	if migrated {
		if err := s.write(snap); err != nil {
			return Snapshot{}, err
		}
		s.log.Info().Str("path", s.path).Int("from_version", doc.Version).Int("to_version", CurrentVersion).Msg("settings migrated")
	}
	s.snap = snap
	return snap.clone(), nil
}

// resolve validates doc, reporting whether it has to be rewritten.
func (s *Store) resolve(doc Document) (Snapshot, bool, error) {
	if doc.Version > CurrentVersion {
		return Snapshot{}, false, &PersistenceError{Op: "decode", Path: s.path,
			Err: fmt.Errorf("document version %d is newer than supported version %d", doc.Version, CurrentVersion)}
	}
	def := Defaults()
	migrated := doc.Version < CurrentVersion
	snap := Snapshot{Sampling: doc.GenerationParams}

	id, err := registry.Parse(doc.SelectedModel)
	if err != nil {
		s.log.Warn().Str("selected_model", doc.SelectedModel).Str("default", def.Model.String()).Msg("unknown model in settings, using default")
		id, migrated = def.Model, true
	}
	snap.Model = id

	if doc.Version < 2 {
		// Fields introduced in version 2.
		snap.Sampling.Seed = def.Sampling.Seed
		snap.Sampling.RepeatLastN = def.Sampling.RepeatLastN
	}
	if err := snap.Sampling.Validate(); err != nil {
		s.log.Warn().Err(err).Msg("invalid generation params in settings, using defaults")
		snap.Sampling, migrated = def.Sampling, true
	}
	return snap, migrated, nil
}

// Snapshot returns a copy of the current settings.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.clone()
}

// SetModel persists id as the selected model.
func (s *Store) SetModel(id registry.Identifier) error {
	if !id.Valid() {
		return fmt.Errorf("settings: invalid model identifier %d", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snap.clone()
	next.Model = id
	if err := s.write(next); err != nil {
		return err
	}
	s.snap = next
	return nil
}

// SetSampling validates and persists cfg.
func (s *Store) SetSampling(cfg engine.SamplingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snap.clone()
	next.Sampling = cfg.Clone()
	if err := s.write(next); err != nil {
		return err
	}
	s.snap = next
	return nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

func (s *Store) write(snap Snapshot) error {
	doc := Document{Version: CurrentVersion, SelectedModel: snap.Model.Repo(), GenerationParams: snap.Sampling}
	b, err := config.Marshal(ext(s.path), doc)
	if err != nil {
		return &PersistenceError{Op: "encode", Path: s.path, Err: err}
	}
	if err := fsutil.WriteFileAtomic(s.path, b, 0o644); err != nil {
		return &PersistenceError{Op: "write", Path: s.path, Err: err}
	}
	return nil
}

func (sn Snapshot) clone() Snapshot {
	sn.Sampling = sn.Sampling.Clone()
	return sn
}

// ext defaults extensionless paths to JSON.
func ext(path string) string {
	if e := filepath.Ext(path); e != "" {
		return e
	}
	return ".json"
}

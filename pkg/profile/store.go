package profile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const storeFormatVersion = 1

// ErrCorrupt is returned when a persisted profile cannot be trusted.
var ErrCorrupt = errors.New("profile cache corrupt")

// Store persists profiles across processes.
type Store interface {
	// Load returns the persisted profile, or nil when none exists.
	Load() (*SystemProfile, error)
	Save(p *SystemProfile) error
	Remove() error
}

type envelope struct {
	Version     int             `json:"version"`
	Fingerprint string          `json:"fingerprint"`
	SavedAt     time.Time       `json:"saved_at"`
	Checksum    string          `json:"checksum"`
	Profile     json.RawMessage `json:"profile"`
}

// FileStore keeps one JSON profile per host fingerprint under a directory.
type FileStore struct {
	dir         string
	fingerprint string
	logger      zerolog.Logger
}

// NewFileStore creates a store rooted at dir for the host fingerprint.
func NewFileStore(dir, fingerprint string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		dir:         dir,
		fingerprint: fingerprint,
		logger:      logger.With().Str("component", "profile-store").Logger(),
	}
}

// Path returns the cache file location.
func (s *FileStore) Path() string {
	key := s.fingerprint
	if len(key) > 16 {
		key = key[:16]
	}
	if key == "" {
		key = "default"
	}
	return filepath.Join(s.dir, "profile-"+key+".json")
}

// Load implements Store. Unreadable, tampered or foreign-host files yield ErrCorrupt.
func (s *FileStore) Load() (*SystemProfile, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read profile cache: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != storeFormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}
	if env.Fingerprint != s.fingerprint {
		return nil, fmt.Errorf("%w: fingerprint mismatch", ErrCorrupt)
	}
	var body bytes.Buffer
	if err := json.Compact(&body, env.Profile); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if checksum(body.Bytes()) != env.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	var p SystemProfile
	if err := json.Unmarshal(env.Profile, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if p.Installed == nil {
		p.Installed = make(map[string]map[string]string)
	}
	return &p, nil
}

// Save implements Store. The file is replaced atomically.
func (s *FileStore) Save(p *SystemProfile) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	data, err := json.MarshalIndent(envelope{
		Version:     storeFormatVersion,
		Fingerprint: s.fingerprint,
		SavedAt:     time.Now().UTC(),
		Checksum:    checksum(body),
		Profile:     body,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode profile envelope: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".profile-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write profile cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write profile cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path()); err != nil {
		return fmt.Errorf("failed to replace profile cache: %w", err)
	}

	s.logger.Debug().Str("path", s.Path()).Msg("Profile cache saved")
	return nil
}

// Remove implements Store.
func (s *FileStore) Remove() error {
	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

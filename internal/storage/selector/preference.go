package selector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lodeworks/lodestone/internal/storage"
)

// Preferences persists the sticky driver choice, its expiry and the last
// fallback reason. Each value is independently readable and clearable; a
// missing file behaves like an empty one.
type Preferences struct {
	path  string
	clock func() time.Time
}

type preferenceFile struct {
	StickyDriver       string `json:"stickyDriver,omitempty"`
	ExpiresAtSeconds   int64  `json:"expiresAtSeconds,omitempty"`
	LastFallbackReason string `json:"lastFallbackReason,omitempty"`
}

// NewPreferences constructs a preference store backed by the given file path.
func NewPreferences(path string, clock func() time.Time) (*Preferences, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: preference path is required", storage.ErrInvalidInput)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Preferences{path: path, clock: clock}, nil
}

func (p *Preferences) read() (preferenceFile, error) {
	raw, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return preferenceFile{}, nil
	}
	if err != nil {
		return preferenceFile{}, fmt.Errorf("read preferences: %w", err)
	}
	var file preferenceFile
	if err := json.Unmarshal(raw, &file); err != nil {
		// A corrupt preference file must never block startup.
		return preferenceFile{}, nil
	}
	return file, nil
}

func (p *Preferences) write(file preferenceFile) error {
	raw, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".lodestone-prefs-*")
	if err != nil {
		return fmt.Errorf("create temp preferences: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close preferences: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace preferences: %w", err)
	}
	return nil
}

// StickyDriver returns the persisted driver kind when the preference has not
// expired.
func (p *Preferences) StickyDriver() (storage.DriverKind, bool, error) {
	file, err := p.read()
	if err != nil {
		return "", false, err
	}
	if file.StickyDriver == "" {
		return "", false, nil
	}
	if file.ExpiresAtSeconds > 0 && p.clock().UTC().Unix() >= file.ExpiresAtSeconds {
		return "", false, nil
	}
	return storage.DriverKind(file.StickyDriver), true, nil
}

// RecordFallback persists the sticky driver choice with an expiry and the
// reason that forced the fallback.
func (p *Preferences) RecordFallback(kind storage.DriverKind, reason string, ttl time.Duration) error {
	file, err := p.read()
	if err != nil {
		return err
	}
	file.StickyDriver = string(kind)
	file.ExpiresAtSeconds = p.clock().UTC().Add(ttl).Unix()
	file.LastFallbackReason = reason
	return p.write(file)
}

// ClearSticky removes the sticky driver choice and its expiry, keeping the
// last fallback reason for observability.
func (p *Preferences) ClearSticky() error {
	file, err := p.read()
	if err != nil {
		return err
	}
	if file.StickyDriver == "" && file.ExpiresAtSeconds == 0 {
		return nil
	}
	file.StickyDriver = ""
	file.ExpiresAtSeconds = 0
	return p.write(file)
}

// LastFallbackReason returns the most recently recorded fallback reason.
func (p *Preferences) LastFallbackReason() (string, error) {
	file, err := p.read()
	if err != nil {
		return "", err
	}
	return file.LastFallbackReason, nil
}

// ClearLastFallbackReason removes the recorded fallback reason.
func (p *Preferences) ClearLastFallbackReason() error {
	file, err := p.read()
	if err != nil {
		return err
	}
	if file.LastFallbackReason == "" {
		return nil
	}
	file.LastFallbackReason = ""
	return p.write(file)
}

package trust

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const trustFileName = "trusted.json"

// ErrFingerprintMismatch is the sentinel under every TrustError.
var ErrFingerprintMismatch = errors.New("certificate fingerprint mismatch")

// TrustError reports that a supposedly paired device presented a certificate
// that does not match the stored fingerprint. This is a hard failure: the
// connection must be closed and the device flagged revoked, never silently
// retried, since it may indicate impersonation.
type TrustError struct {
	DeviceID  string
	Stored    string
	Presented string
}

func (e *TrustError) Error() string {
	return fmt.Sprintf("device %s: stored fingerprint %s, session presented %s",
		e.DeviceID, e.Stored, e.Presented)
}

func (e *TrustError) Unwrap() error { return ErrFingerprintMismatch }

// Record is one pairing decision: the peer's certificate fingerprint captured
// from the live session at accept time.
type Record struct {
	DeviceID    string    `json:"deviceId"`
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	PairedAt    time.Time `json:"pairedAt"`
}

// Store holds the trust records, persisted as a flat JSON file under the
// state directory. Mutations are serialized through the write lock; reads
// take snapshots.
type Store struct {
	mu      sync.RWMutex
	path    string
	records map[string]Record
}

// NewStore loads trusted.json from dir. An empty dir keeps the store
// in-memory only (tests, ephemeral tools).
func NewStore(dir string) (*Store, error) {
	s := &Store{records: make(map[string]Record)}

	if dir == "" {
		return s, nil
	}

	s.path = filepath.Join(dir, trustFileName)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}

		return nil, fmt.Errorf("read trust store: %w", err)
	}

	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("parse trust store: %w", err)
	}

	return s, nil
}

// Trust stores the pairing decision for deviceID, overwriting any previous
// record.
func (s *Store) Trust(deviceID, name, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[deviceID] = Record{
		DeviceID:    deviceID,
		Name:        name,
		Fingerprint: fingerprint,
		PairedAt:    time.Now().UTC(),
	}

	return s.persistLocked()
}

// Revoke forgets the pairing for deviceID. Revoking an unknown device is a
// no-op.
func (s *Store) Revoke(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[deviceID]; !ok {
		return nil
	}

	delete(s.records, deviceID)

	return s.persistLocked()
}

// IsTrusted reports whether a pairing record exists for deviceID.
func (s *Store) IsTrusted(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.records[deviceID]

	return ok
}

// FingerprintFor returns the stored fingerprint for deviceID.
func (s *Store) FingerprintFor(deviceID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[deviceID]

	return rec.Fingerprint, ok
}

// Get returns the full trust record for deviceID.
func (s *Store) Get(deviceID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[deviceID]

	return rec, ok
}

// Records returns a snapshot of all trust records, ordered by device id.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })

	return out
}

// VerifySession checks a live session's peer fingerprint against the stored
// record. Devices without a record pass (they are simply untrusted); a
// mismatch returns a TrustError.
func (s *Store) VerifySession(deviceID, sessionFingerprint string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[deviceID]
	if !ok {
		return nil
	}

	if rec.Fingerprint != sessionFingerprint {
		return &TrustError{DeviceID: deviceID, Stored: rec.Fingerprint, Presented: sessionFingerprint}
	}

	return nil
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trust store: %w", err)
	}

	if err := os.WriteFile(s.path, data, certFilePerms); err != nil {
		return fmt.Errorf("write trust store: %w", err)
	}

	return nil
}

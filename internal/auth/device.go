package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// DeviceTrustToken is the stored form of a device's trust credential. Only
// the SHA-256 hash of the raw token is ever persisted.
type DeviceTrustToken struct {
	DeviceID  string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// DeviceStore looks up trust tokens by device and hash.
type DeviceStore interface {
	FindTrustToken(ctx context.Context, deviceID, tokenHash string) (DeviceTrustToken, error)
}

// HashDeviceToken derives the stored hash from a raw trust token.
func HashDeviceToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyDeviceTrust reports whether the presented token matches a
// non-revoked, unexpired trust record for the device. Sync batches must be
// rejected before any processing when this returns false.
func VerifyDeviceTrust(ctx context.Context, store DeviceStore, deviceID, token string) (bool, error) {
	deviceID = strings.TrimSpace(deviceID)
	token = strings.TrimSpace(token)
	if deviceID == "" || token == "" {
		return false, nil
	}
	record, err := store.FindTrustToken(ctx, deviceID, HashDeviceToken(token))
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if record.RevokedAt != nil {
		return false, nil
	}
	return record.ExpiresAt.After(time.Now().UTC()), nil
}

// InMemoryDevices implements DeviceStore for tests and local runs.
type InMemoryDevices struct {
	mu     sync.RWMutex
	tokens map[string]DeviceTrustToken // deviceID+"\x00"+tokenHash
}

var _ DeviceStore = (*InMemoryDevices)(nil)

// NewInMemoryDevices creates an empty device store.
func NewInMemoryDevices() *InMemoryDevices {
	return &InMemoryDevices{tokens: make(map[string]DeviceTrustToken)}
}

// Trust registers a raw token for a device.
func (s *InMemoryDevices) Trust(deviceID, token string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash := HashDeviceToken(token)
	s.tokens[deviceID+"\x00"+hash] = DeviceTrustToken{
		DeviceID:  deviceID,
		TokenHash: hash,
		ExpiresAt: expiresAt,
	}
}

// Revoke marks a previously trusted token as revoked.
func (s *InMemoryDevices) Revoke(deviceID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceID + "\x00" + HashDeviceToken(token)
	if record, ok := s.tokens[key]; ok {
		now := time.Now().UTC()
		record.RevokedAt = &now
		s.tokens[key] = record
	}
}

func (s *InMemoryDevices) FindTrustToken(ctx context.Context, deviceID, tokenHash string) (DeviceTrustToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.tokens[deviceID+"\x00"+tokenHash]
	if !ok {
		return DeviceTrustToken{}, ErrNotFound
	}
	return record, nil
}

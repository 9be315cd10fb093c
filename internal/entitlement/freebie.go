package entitlement

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrDeviceRequired = errors.New("device id is required")

// KeyValueStore is the small persistent store behind the freebie flag.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// SetIfAbsent stores value only when key has no value yet and reports
	// whether it did.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	// CompareAndSwap replaces old with new and reports whether it did.
	CompareAndSwap(ctx context.Context, key, old, new string) (bool, error)
	Set(ctx context.Context, key, value string) error
}

const (
	freebieUnused = "unused"
	freebieUsed   = "used"
)

// Freebies tracks the one free anonymous generation per device.
type Freebies struct {
	kv KeyValueStore
}

func NewFreebies(kv KeyValueStore) *Freebies {
	return &Freebies{kv: kv}
}

func freebieKey(deviceID string) string {
	return "freebie:" + deviceID
}

// Has initialises the flag for a new device and reports whether the
// freebie is still unused.
func (f *Freebies) Has(ctx context.Context, deviceID string) (bool, error) {
	key, err := f.init(ctx, deviceID)
	if err != nil {
		return false, err
	}
	v, _, err := f.kv.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return v == freebieUnused, nil
}

// Use flips the flag from unused to used. Only the call that flipped it
// gets true.
func (f *Freebies) Use(ctx context.Context, deviceID string) (bool, error) {
	key, err := f.init(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return f.kv.CompareAndSwap(ctx, key, freebieUnused, freebieUsed)
}

// Reset makes the freebie available again.
func (f *Freebies) Reset(ctx context.Context, deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ErrDeviceRequired
	}
	return f.kv.Set(ctx, freebieKey(deviceID), freebieUnused)
}

func (f *Freebies) init(ctx context.Context, deviceID string) (string, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", ErrDeviceRequired
	}
	key := freebieKey(deviceID)
	if _, err := f.kv.SetIfAbsent(ctx, key, freebieUnused); err != nil {
		return "", err
	}
	return key, nil
}

// MemoryKV is an in-process KeyValueStore.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryKV) SetIfAbsent(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	return true, nil
}

func (m *MemoryKV) CompareAndSwap(_ context.Context, key, old, new string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; !ok || v != old {
		return false, nil
	}
	m.values[key] = new
	return true, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

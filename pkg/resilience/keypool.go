package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNoKeys is returned by Next on an empty pool.
	ErrNoKeys = errors.New("keypool: no keys configured")
	// ErrKeysExhausted is returned by Next when every key is cooling down.
	ErrKeysExhausted = errors.New("keypool: all keys exhausted")
)

// KeyPool hands out API keys round-robin and parks keys that hit a rate
// limit until their reset time.
type KeyPool struct {
	mu      sync.Mutex
	keys    []keyEntry
	current int
	now     func() time.Time
}

type keyEntry struct {
	key     string
	resetAt time.Time // zero while usable
}

// NewKeyPool creates a key pool from a list of API keys. Blank and duplicate keys are dropped.
func NewKeyPool(keys []string) *KeyPool {
	seen := make(map[string]bool, len(keys))
	entries := make([]keyEntry, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		entries = append(entries, keyEntry{key: k})
	}
	return &KeyPool{keys: entries, now: time.Now}
}

// Next returns the next available API key using round-robin selection.
func (kp *KeyPool) Next() (string, error) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	n := len(kp.keys)
	if n == 0 {
		return "", ErrNoKeys
	}

	now := kp.now()
	earliest := time.Time{}
	for i := 0; i < n; i++ {
		idx := (kp.current + i) % n
		entry := &kp.keys[idx]

		if entry.resetAt.IsZero() || !now.Before(entry.resetAt) {
			entry.resetAt = time.Time{}
			kp.current = (idx + 1) % n
			return entry.key, nil
		}
		if earliest.IsZero() || entry.resetAt.Before(earliest) {
			earliest = entry.resetAt
		}
	}

	return "", fmt.Errorf("%w, earliest reset at %s", ErrKeysExhausted, earliest.Format(time.RFC3339))
}

// MarkRateLimited parks a key until resetAt.
func (kp *KeyPool) MarkRateLimited(key string, resetAt time.Time) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	for i := range kp.keys {
		if kp.keys[i].key == key {
			kp.keys[i].resetAt = resetAt
			return
		}
	}
}

// Size returns the number of keys in the pool.
func (kp *KeyPool) Size() int {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	return len(kp.keys)
}

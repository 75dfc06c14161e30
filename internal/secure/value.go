package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned by Reveal after Destroy.
var ErrDestroyed = errors.New("secure value has been destroyed")

// Value is a string held encrypted in memory.
// The zero value and a nil *Value are both "unset".
type Value struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	destroyed bool
}

// NewValue seals s. An empty s yields an unset Value.
func NewValue(s string) *Value {
	if s == "" {
		return &Value{}
	}
	return &Value{enclave: memguard.NewEnclave([]byte(s))}
}

// IsSet reports whether the value holds a non-empty secret.
func (v *Value) IsSet() bool {
	if v == nil {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.enclave != nil && !v.destroyed
}

// Reveal decrypts the secret. The plaintext buffer is wiped before returning;
// the returned string is an ordinary Go copy.
func (v *Value) Reveal() (string, error) {
	if v == nil {
		return "", nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.destroyed {
		return "", ErrDestroyed
	}
	if v.enclave == nil {
		return "", nil
	}

	locked, err := v.enclave.Open()
	if err != nil {
		return "", err
	}
	defer locked.Destroy()

	return string(locked.Bytes()), nil
}

// Destroy drops the enclave. Idempotent.
func (v *Value) Destroy() {
	if v == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enclave = nil
	v.destroyed = true
}

// String never exposes the secret.
func (v *Value) String() string {
	return "[REDACTED]"
}

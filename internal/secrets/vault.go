package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

var (
	ErrNotFound    = errors.New("secrets: no such secret")
	ErrEmptySecret = errors.New("secrets: empty secret")
	ErrDestroyed   = errors.New("secrets: vault destroyed")
)

// Vault holds named secrets encrypted at rest in memguard enclaves. A
// secret is only decrypted into locked memory for the duration of With.
type Vault struct {
	mu        sync.RWMutex
	enclaves  map[string]*memguard.Enclave
	destroyed bool
}

// NewVault returns an empty Vault.
func NewVault() *Vault {
	return &Vault{enclaves: make(map[string]*memguard.Enclave)}
}

// Seal stores secret under name, replacing any previous value. secret is
// wiped before Seal returns.
func (v *Vault) Seal(name string, secret []byte) error {
	if len(secret) == 0 {
		return ErrEmptySecret
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		memguard.WipeBytes(secret)
		return ErrDestroyed
	}
	v.enclaves[name] = memguard.NewEnclave(secret)
	return nil
}

// Load decrypts ciphertext with d and seals the plaintext under name.
func (v *Vault) Load(ctx context.Context, d Decrypter, name string, ciphertext []byte) error {
	plain, err := d.Decrypt(ctx, ciphertext)
	if err != nil {
		return err
	}
	if err := v.Seal(name, plain); err != nil {
		return fmt.Errorf("seal %s: %w", name, err)
	}
	return nil
}

// Has reports whether name is sealed in the vault.
func (v *Vault) Has(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.enclaves[name]
	return ok
}

// With opens name into a locked buffer and passes its bytes to fn. The
// buffer is destroyed when fn returns; fn must not retain the slice.
func (v *Vault) With(name string, fn func(secret []byte) error) error {
	v.mu.RLock()
	if v.destroyed {
		v.mu.RUnlock()
		return ErrDestroyed
	}
	enclave, ok := v.enclaves[name]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("secrets: open %s: %w", name, err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Accessor binds With to name.
func (v *Vault) Accessor(name string) func(fn func(secret []byte) error) error {
	return func(fn func(secret []byte) error) error {
		return v.With(name, fn)
	}
}

// Destroy drops every enclave. Later calls to With and Seal fail.
func (v *Vault) Destroy() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enclaves = make(map[string]*memguard.Enclave)
	v.destroyed = true
}

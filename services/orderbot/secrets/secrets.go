// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets resolves named secrets (model API key, messaging auth
// token, InfluxDB token) and keeps cached values sealed in memguard
// enclaves instead of plain heap strings.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
)

// ErrSecretNotFound is returned when a secret is unset or empty.
var ErrSecretNotFound = errors.New("secrets: secret not found")

// Backend retrieves secrets by key.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Backend interface {
	// GetSecret returns the value for key, or an error wrapping
	// ErrSecretNotFound.
	GetSecret(ctx context.Context, key string) (string, error)
}

// =============================================================================
// Environment backend
// =============================================================================

// EnvBackend reads secrets from environment variables and caches them,
// sealed, for a TTL.
//
// Thread Safety: Safe for concurrent use via sync.RWMutex.
type EnvBackend struct {
	mu     sync.RWMutex
	cache  map[string]sealedSecret
	ttl    time.Duration
	lookup func(string) (string, bool)
	now    func() time.Time
}

type sealedSecret struct {
	enclave   *memguard.Enclave
	fetchedAt time.Time
}

// NewEnvBackend creates an environment backend. A ttl of 0 disables the
// cache and reads the environment every time.
func NewEnvBackend(ttl time.Duration) *EnvBackend {
	return &EnvBackend{
		cache:  make(map[string]sealedSecret),
		ttl:    ttl,
		lookup: os.LookupEnv,
		now:    time.Now,
	}
}

// GetSecret returns the environment variable key.
func (e *EnvBackend) GetSecret(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("retrieving secret %q: %w", key, err)
	}

	if e.ttl > 0 {
		e.mu.RLock()
		cached, ok := e.cache[key]
		e.mu.RUnlock()
		if ok && e.now().Sub(cached.fetchedAt) < e.ttl {
			return open(key, cached.enclave)
		}
	}

	value, _ := e.lookup(key)
	if value == "" {
		e.forget(key)
		return "", fmt.Errorf("secret %q: %w", key, ErrSecretNotFound)
	}

	if e.ttl > 0 {
		e.mu.Lock()
		e.cache[key] = sealedSecret{enclave: memguard.NewEnclave([]byte(value)), fetchedAt: e.now()}
		e.mu.Unlock()
	}
	return value, nil
}

func (e *EnvBackend) forget(key string) {
	e.mu.Lock()
	delete(e.cache, key)
	e.mu.Unlock()
}

// =============================================================================
// Static backend
// =============================================================================

// StaticBackend holds secrets given up front, such as values passed on the
// command line.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type StaticBackend struct {
	values map[string]*memguard.Enclave
}

// NewStaticBackend seals values. Empty values are skipped.
func NewStaticBackend(values map[string]string) *StaticBackend {
	b := &StaticBackend{values: make(map[string]*memguard.Enclave, len(values))}
	for k, v := range values {
		if v == "" {
			continue
		}
		b.values[k] = memguard.NewEnclave([]byte(v))
	}
	return b
}

// GetSecret returns the sealed value for key.
func (s *StaticBackend) GetSecret(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("retrieving secret %q: %w", key, err)
	}
	enclave, ok := s.values[key]
	if !ok {
		return "", fmt.Errorf("secret %q: %w", key, ErrSecretNotFound)
	}
	return open(key, enclave)
}

// open copies an enclave's plaintext out of its locked buffer.
func open(key string, enclave *memguard.Enclave) (string, error) {
	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("secret %q: opening enclave: %w", key, err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// =============================================================================
// Manager
// =============================================================================

// Manager resolves secrets through an ordered list of backends. The first
// backend that has the key wins.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	backends []Backend
}

// NewManager creates a Manager. With no backends it reads the environment
// with a five minute cache.
func NewManager(backends ...Backend) *Manager {
	if len(backends) == 0 {
		backends = []Backend{NewEnvBackend(5 * time.Minute)}
	}
	return &Manager{backends: backends}
}

// GetSecret returns the first value any backend has for key.
func (m *Manager) GetSecret(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("secret name is empty: %w", ErrSecretNotFound)
	}
	var lastErr error
	for _, b := range m.backends {
		v, err := b.GetSecret(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// Optional returns the secret or "" when it is not set. Other errors are
// returned.
func (m *Manager) Optional(ctx context.Context, key string) (string, error) {
	v, err := m.GetSecret(ctx, key)
	if errors.Is(err, ErrSecretNotFound) {
		return "", nil
	}
	return v, err
}

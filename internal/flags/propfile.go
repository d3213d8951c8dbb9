package flags

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/BurntSushi/toml"

	"keyboxd/internal/security"
)

// PropFile is a Store kept in a small TOML file of string properties.
// Each Set rewrites the whole file through an atomic rename, so readers
// in other processes never see a torn file.
type PropFile struct {
	path     string
	readOnly bool
	mu       sync.Mutex
	closed   bool
}

// OpenPropFile opens the property file at path. The file is created on
// the first Set.
func OpenPropFile(path string, readOnly bool) (*PropFile, error) {
	p := &PropFile{path: path, readOnly: readOnly}
	if _, err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PropFile) load() (map[string]string, error) {
	props := make(map[string]string)
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return props, nil
		}
		return nil, fmt.Errorf("flags: read %s: %w", p.path, err)
	}
	if _, err := toml.Decode(string(data), &props); err != nil {
		return nil, fmt.Errorf("flags: decode %s: %w", p.path, err)
	}
	return props, nil
}

// Get implements Store. The file is re-read on every call.
func (p *PropFile) Get(_ context.Context, key, def string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", ErrClosed
	}

	props, err := p.load()
	if err != nil {
		return "", err
	}
	if v, ok := props[key]; ok {
		return v, nil
	}
	return def, nil
}

// Set implements Store.
func (p *PropFile) Set(ctx context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return &WriteError{Key: key, Err: ErrClosed}
	}
	if p.readOnly {
		return &WriteError{Key: key, Err: ErrReadOnly}
	}

	lock, err := security.AcquireLock(ctx, security.LockPath(p.path))
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}
	defer lock.Release()

	props, err := p.load()
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}
	props[key] = value

	data, err := encodeProps(props)
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}
	if err := security.WriteFileAtomic(p.path, data, security.PermSecretFile); err != nil {
		return &WriteError{Key: key, Err: err}
	}
	return nil
}

func encodeProps(props map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(props); err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	return buf.Bytes(), nil
}

// Ping implements Store.
func (p *PropFile) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	_, err := p.load()
	return err
}

// Close implements Store.
func (p *PropFile) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

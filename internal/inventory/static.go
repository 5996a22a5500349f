package inventory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"olav/internal/types"
)

// ===== STATIC PROVIDER =====

// StaticProvider serves devices from a YAML roster file. Suitable for labs
// and small sites; production deployments point at an HTTP inventory.
type StaticProvider struct {
	path string

	mu      sync.RWMutex
	devices []Device
	byName  map[string]Device
}

type rosterFile struct {
	Devices []Device `yaml:"devices"`
}

// NewStaticProvider loads the roster file once. Reload re-reads it.
func NewStaticProvider(path string) (*StaticProvider, error) {
	p := &StaticProvider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the roster file. On parse failure the previous roster
// stays active.
func (p *StaticProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read inventory file: %w", err)
	}
	var file rosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse inventory file %s: %w", p.path, err)
	}

	byName := make(map[string]Device, len(file.Devices))
	for i, d := range file.Devices {
		if d.Name == "" {
			return fmt.Errorf("inventory file %s: device %d has no name", p.path, i+1)
		}
		if _, dup := byName[d.Name]; dup {
			return fmt.Errorf("inventory file %s: duplicate device %q", p.path, d.Name)
		}
		byName[d.Name] = d
	}

	p.mu.Lock()
	p.devices = file.Devices
	p.byName = byName
	p.mu.Unlock()
	return nil
}

// List returns a copy of the roster.
func (p *StaticProvider) List(ctx context.Context) ([]Device, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Device, len(p.devices))
	copy(out, p.devices)
	return out, nil
}

// Get returns one device by exact name.
func (p *StaticProvider) Get(ctx context.Context, name string) (Device, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if d, ok := p.byName[name]; ok {
		return d, nil
	}
	return Device{}, types.Errorf(types.KindNotFound, "device %q not in inventory", name)
}

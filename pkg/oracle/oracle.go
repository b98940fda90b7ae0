// Package oracle provides a file-backed stand-in for the native client
// library's ownership and metadata interface. The GUI embeds the real
// library; the CLI loads a snapshot document instead.
package oracle

import (
	"fmt"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/bbfox0703/AchievoLab-sub003/pkg/item"
)

type entry struct {
	Name     string            `yaml:"name"`
	Metadata map[string]string `yaml:"metadata"`
}

type snapshot struct {
	Items map[uint64]entry `yaml:"items"`
}

// FileOracle answers ownership and metadata queries from a YAML
// snapshot. A FileOracle that failed to load reports uninitialized and
// denies everything.
type FileOracle struct {
	items map[item.ID]entry
}

// LoadFile reads a snapshot document. A missing file yields an
// uninitialized oracle rather than an error, mirroring the native
// library being unavailable.
func LoadFile(path string) (*FileOracle, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("oracle: expand path: %w", err)
	}

	data, err := os.ReadFile(expanded)
	if os.IsNotExist(err) {
		return &FileOracle{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oracle: read %s: %w", expanded, err)
	}

	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("oracle: parse %s: %w", expanded, err)
	}

	o := &FileOracle{items: make(map[item.ID]entry, len(snap.Items))}
	for id, e := range snap.Items {
		if id == 0 {
			continue
		}
		o.items[item.ID(id)] = e
	}
	return o, nil
}

// Initialized reports whether a snapshot was loaded.
func (o *FileOracle) Initialized() bool { return o.items != nil }

// IsOwned reports whether the snapshot lists the item. Uninitialized
// oracles deny, never "unknown but allow".
func (o *FileOracle) IsOwned(id item.ID) bool {
	if o.items == nil {
		return false
	}
	_, ok := o.items[id]
	return ok
}

// Metadata returns the value stored under key for the item.
func (o *FileOracle) Metadata(id item.ID, key string) (string, bool) {
	if o.items == nil {
		return "", false
	}
	e, ok := o.items[id]
	if !ok {
		return "", false
	}
	v, ok := e.Metadata[key]
	return v, ok
}

// DisplayName returns the item's name from the snapshot.
func (o *FileOracle) DisplayName(id item.ID) string {
	if o.items == nil {
		return ""
	}
	return o.items[id].Name
}

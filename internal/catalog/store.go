package catalog

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"

	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/atomicio"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/logger"
)

// Store is the on-disk representation of the catalog: a single JSON array
// that is rewritten whole on every save.
type Store struct {
	// Path is the location of the catalog document.
	Path string
	// Logf specifies a logger to use. If nil, the store is silent.
	Logf logger.Logf
}

func (s *Store) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
	}
}

// Load returns the current catalog. A missing or unparsable document yields
// an empty catalog, never an error: read paths must keep working even when
// the document is damaged.
func (s *Store) Load() []Product {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logf("catalog: reading %s: %v", s.Path, err)
		}
		return []Product{}
	}
	var list []Product
	if err := json.Unmarshal(b, &list); err != nil {
		s.logf("catalog: parsing %s: %v", s.Path, err)
		return []Product{}
	}
	if list == nil {
		list = []Product{}
	}
	return list
}

// Save serializes list and atomically overwrites the persisted document.
func (s *Store) Save(list []Product) error {
	b, err := Marshal(list)
	if err != nil {
		return err
	}
	return atomicio.WriteFile(s.Path, b, 0o644)
}

// ReplaceRaw atomically overwrites the persisted document with raw bytes, as
// received from the remote mirror.
func (s *Store) ReplaceRaw(b []byte) error {
	return atomicio.WriteFile(s.Path, b, 0o644)
}

// Raw returns the persisted document bytes, or nil if no document exists.
func (s *Store) Raw() []byte {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil
	}
	return b
}

// Marshal serializes the catalog the way it is persisted and mirrored:
// an indented JSON array, never null.
func Marshal(list []Product) ([]byte, error) {
	if list == nil {
		list = []Product{}
	}
	return json.MarshalIndent(list, "", "  ")
}

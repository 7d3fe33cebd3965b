// Package statestore persists each governor's state under its own namespace
// of a shared JSON document, leaving every other namespace untouched.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Namespace is a path of object keys inside the shared document,
// e.g. {"global", "adaptive_throttle"}.
type Namespace []string

// String renders the namespace with dots
func (ns Namespace) String() string { return strings.Join(ns, ".") }

// Well-known namespaces
var (
	AdaptiveThrottle   = Namespace{"global", "adaptive_throttle"}
	ThrottleController = Namespace{"throttle_controller"}
)

// Store loads and saves namespaced values
type Store interface {
	// Load decodes the namespace into v. found is false when nothing is stored.
	Load(ns Namespace, v any) (found bool, err error)
	// Save replaces the namespace with v.
	Save(ns Namespace, v any) error
}

// FileStore keeps the shared document in a single JSON file. Every Save reads
// the file fresh, replaces only its namespace, and writes the whole document
// back through a temp file and rename.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store for path, creating its directory
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the state file location
func (s *FileStore) Path() string { return s.path }

// Load implements Store. A missing file is reported as not found; a corrupt
// one returns an error and callers fall back to defaults.
func (s *FileStore) Load(ns Namespace, v any) (bool, error) {
	if len(ns) == 0 {
		return false, errors.New("empty namespace")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return false, err
	}

	raw, ok := lookup(doc, ns)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", ns, err)
	}
	return true, nil
}

// Save implements Store
func (s *FileStore) Save(ns Namespace, v any) error {
	if len(ns) == 0 {
		return errors.New("empty namespace")
	}
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ns, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		// Unreadable documents are replaced rather than blocking persistence.
		doc = map[string]json.RawMessage{}
	}

	updated, err := assign(doc, ns, value)
	if err != nil {
		return fmt.Errorf("update %s: %w", ns, err)
	}

	data, err := json.MarshalIndent(updated, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state document: %w", err)
	}
	return s.write(data)
}

func (s *FileStore) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}
	return doc, nil
}

func (s *FileStore) write(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func lookup(doc map[string]json.RawMessage, ns Namespace) (json.RawMessage, bool) {
	raw, ok := doc[ns[0]]
	if !ok {
		return nil, false
	}
	if len(ns) == 1 {
		return raw, true
	}
	var child map[string]json.RawMessage
	if err := json.Unmarshal(raw, &child); err != nil {
		return nil, false
	}
	return lookup(child, ns[1:])
}

func assign(doc map[string]json.RawMessage, ns Namespace, value json.RawMessage) (map[string]json.RawMessage, error) {
	if len(ns) == 1 {
		doc[ns[0]] = value
		return doc, nil
	}

	child := map[string]json.RawMessage{}
	if raw, ok := doc[ns[0]]; ok {
		if err := json.Unmarshal(raw, &child); err != nil {
			return nil, fmt.Errorf("key %q is not an object", ns[0])
		}
		if child == nil {
			child = map[string]json.RawMessage{}
		}
	}
	child, err := assign(child, ns[1:], value)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(child)
	if err != nil {
		return nil, err
	}
	doc[ns[0]] = encoded
	return doc, nil
}

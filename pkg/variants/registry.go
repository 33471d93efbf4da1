// Package variants reconciles the declarative board registry with the
// on-disk variant store.
package variants

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
)

// DefaultPlaceholder is the generic board id that never needs a variant.
const DefaultPlaceholder = "esp32_family"

var nameLineRe = regexp.MustCompile(`^([^.]+)\.name=(.+)$`)

// Registry maps board ids to display names.
type Registry map[string]string

// IDs returns the board ids in sorted order.
func (r Registry) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ParseRegistry reads "boardid.name=Display Name" lines. Other lines and the
// placeholder id are ignored; a later duplicate replaces an earlier one.
func ParseRegistry(r io.Reader, placeholder string) (Registry, error) {
	reg := make(Registry)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		m := nameLineRe.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil || m[1] == placeholder {
			continue
		}
		reg[m[1]] = m[2]
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read board registry: %w", err)
	}
	return reg, nil
}

// LoadRegistry parses the registry file at path.
func LoadRegistry(path, placeholder string) (Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open board registry: %w", err)
	}
	defer f.Close()
	return ParseRegistry(f, placeholder)
}

// StoreSet is the set of variant directory names.
type StoreSet map[string]struct{}

// Has reports whether id is in the store.
func (s StoreSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// ListStore returns the directory names directly under dir. A missing
// directory is an empty store.
func ListStore(dir string) (StoreSet, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return StoreSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list variant store: %w", err)
	}

	set := make(StoreSet, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			set[e.Name()] = struct{}{}
		}
	}
	return set, nil
}

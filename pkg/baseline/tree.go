package baseline

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Version pins an immutable upstream snapshot.
type Version string

// ErrTreeNotFresh is returned when patches are applied to a tree that has
// already been patched.
var ErrTreeNotFresh = errors.New("tree is not a fresh baseline extraction")

// Tree is an extracted baseline. Ephemeral trees live in a temporary
// directory that Close removes.
type Tree struct {
	// Root is the directory holding the upstream sources.
	Root string

	// Version is the baseline the tree was extracted from.
	Version Version

	mu        sync.Mutex
	patched   bool
	ephemeral bool
	tmpDir    string
}

// OpenTree wraps an existing directory, such as a persistent snapshot. The
// result is never removed by Close.
func OpenTree(root string, version Version) (*Tree, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open baseline tree: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("baseline tree %s is not a directory", root)
	}
	return &Tree{Root: root, Version: version}, nil
}

// Fresh reports whether no patch set has been applied to the tree.
func (t *Tree) Fresh() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.patched
}

// MarkPatched claims the tree for a patch application. It fails if the
// tree was already claimed.
func (t *Tree) MarkPatched() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.patched {
		return fmt.Errorf("%w: %s", ErrTreeNotFresh, t.Root)
	}
	t.patched = true
	return nil
}

// Ephemeral reports whether Close removes the tree.
func (t *Tree) Ephemeral() bool {
	return t.ephemeral
}

// Close removes an ephemeral tree. It is safe to call more than once.
func (t *Tree) Close() error {
	if !t.ephemeral || t.tmpDir == "" {
		return nil
	}
	dir := t.tmpDir
	t.tmpDir = ""
	return os.RemoveAll(dir)
}

package index

import (
	"errors"
	"fmt"
	"os"

	"github.com/hubpack/hubpack/pkg/archive"
	"github.com/hubpack/hubpack/pkg/fsutil"
	"github.com/hubpack/hubpack/pkg/variants"
)

// ErrStructure is returned when the document lacks packages[0].platforms[0].
var ErrStructure = errors.New("index has unexpected structure")

// Patch holds the fields to replace. A nil field is left untouched.
type Patch struct {
	Artifact          *archive.Artifact
	Boards            []variants.Board
	ToolsDependencies []any
	Tools             []any
}

// UpdateError reports a failed index update. Fallback holds the computed
// fields as a standalone JSON document so they can be applied by hand.
type UpdateError struct {
	Path     string
	Err      error
	Fallback []byte
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("failed to update index %s: %v", e.Path, e.Err)
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}

// Load reads and parses the index at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Update replaces the fields supplied in p inside the index at path and
// rewrites it atomically with indent spaces per level. Every other field
// keeps its value and position. On failure the file is left as it was and
// the returned *UpdateError carries the fallback document.
func Update(path string, indent int, p Patch) error {
	fail := func(err error) error {
		fallback, ferr := Fallback(p, indent)
		if ferr != nil {
			fallback = nil
		}
		return &UpdateError{Path: path, Err: err, Fallback: fallback}
	}

	doc, err := Load(path)
	if err != nil {
		return fail(err)
	}
	if err := Apply(doc, p); err != nil {
		return fail(err)
	}

	data, err := doc.Marshal(indent)
	if err != nil {
		return fail(err)
	}

	v, err := NewValidator()
	if err != nil {
		return fail(err)
	}
	if err := v.Validate(data); err != nil {
		return fail(err)
	}

	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fail(err)
	}
	return nil
}

// Apply sets the supplied fields on doc in memory.
func Apply(doc *Document, p Patch) error {
	platform, err := doc.Platform()
	if err != nil {
		return err
	}

	if p.Artifact != nil {
		platform.Set("size", fmt.Sprintf("%d", p.Artifact.Size))
		platform.Set("checksum", p.Artifact.IndexChecksum())
	}
	if p.Boards != nil {
		boards, err := ValueOf(p.Boards)
		if err != nil {
			return fmt.Errorf("failed to encode boards: %w", err)
		}
		platform.Set("boards", boards)
	}
	if p.ToolsDependencies != nil {
		platform.Set("toolsDependencies", p.ToolsDependencies)
	}
	if len(p.Tools) > 0 {
		pkg, err := doc.Package()
		if err != nil {
			return err
		}
		pkg.Set("tools", p.Tools)
	}
	return nil
}

// Fallback renders the supplied fields of p as a standalone JSON object.
func Fallback(p Patch, indent int) ([]byte, error) {
	obj := NewObject()
	if p.Artifact != nil {
		obj.Set("size", fmt.Sprintf("%d", p.Artifact.Size))
		obj.Set("checksum", p.Artifact.IndexChecksum())
	}
	if p.Boards != nil {
		boards, err := ValueOf(p.Boards)
		if err != nil {
			return nil, err
		}
		obj.Set("boards", boards)
	}
	if p.ToolsDependencies != nil {
		obj.Set("toolsDependencies", p.ToolsDependencies)
	}
	if len(p.Tools) > 0 {
		obj.Set("tools", p.Tools)
	}
	return marshalValue(obj, indent)
}

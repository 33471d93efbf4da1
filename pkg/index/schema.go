package index

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// ErrInvalid is returned when a document does not satisfy the index schema.
var ErrInvalid = errors.New("index failed validation")

// indexSchema constrains the parts of the document hubpack writes, which
// are packages[0] and its platforms[0]. Every definition is left open so
// fields owned by other tools pass through, and later list entries are not
// checked at all.
const indexSchema = `
#Board: {
	name: string
	...
}

#ToolDependency: {
	packager: string
	name:     string
	version:  string
	...
}

#System: {
	host: string
	...
}

#Tool: {
	name:     string
	version:  string
	systems?: [...#System]
	...
}

#Platform: {
	size?:              =~"^[0-9]+$"
	checksum?:          =~"^SHA-256:[0-9a-f]{64}$"
	boards?:            [...#Board]
	toolsDependencies?: [...#ToolDependency]
	...
}

#Package: {
	name?:     string
	platforms: [#Platform, ...]
	tools?:    [...#Tool]
	...
}

#Index: {
	packages: [#Package, ...]
	...
}
`

// Validator checks rendered index documents against the CUE schema.
type Validator struct {
	ctx    *cue.Context
	schema cue.Value
}

// NewValidator compiles the index schema.
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(indexSchema)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile index schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Index"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("index schema has no #Index: %w", err)
	}
	return &Validator{ctx: ctx, schema: def}, nil
}

// Validate checks rendered JSON against the schema.
func (v *Validator) Validate(data []byte) error {
	doc := v.ctx.CompileBytes(data)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	unified := v.schema.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/hubpack/hubpack/pkg/baseline"
)

// ErrPlatformNotFound is returned when the upstream index has no platform
// at the requested version.
var ErrPlatformNotFound = errors.New("platform version not found upstream")

// ToolSet is the tool metadata taken from an upstream index.
type ToolSet struct {
	// Dependencies are the platform's toolsDependencies, one per tool name,
	// with the packager rewritten where required.
	Dependencies []any

	// Definitions are the full tool entries for rewritten dependencies.
	Definitions []any

	// MissingDefinitions names rewritten dependencies ("name@version") that
	// had no matching tool entry upstream.
	MissingDefinitions []string
}

// FetchUpstream retrieves and parses the upstream index at location, which
// may be an HTTP(S) URL or a local path.
func FetchUpstream(ctx context.Context, location string) (*Document, error) {
	a, err := baseline.FetcherFor(location).Fetch(ctx, location)
	if err != nil {
		return nil, err
	}
	defer a.Release()

	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream index: %w", err)
	}
	return Parse(data)
}

// FindTools selects the upstream platform whose version equals version and
// copies its tool dependencies. The packager of each dependency becomes
// packager unless it is listed in preserve; definitions are collected only
// for the rewritten ones.
func FindTools(upstream *Document, version, packager string, preserve []string) (*ToolSet, error) {
	pkg, err := upstream.Package()
	if err != nil {
		return nil, err
	}

	platform, err := findPlatform(pkg, version)
	if err != nil {
		return nil, err
	}

	deps, _ := arrayField(platform, "toolsDependencies")
	tools, _ := arrayField(pkg, "tools")

	set := &ToolSet{Dependencies: []any{}, Definitions: []any{}}
	seen := make(map[string]bool)
	for _, d := range deps {
		dep, ok := d.(*Object)
		if !ok {
			return nil, fmt.Errorf("%w: toolsDependencies entry is not an object", ErrStructure)
		}
		name := stringField(dep, "name")
		if seen[name] {
			continue
		}
		seen[name] = true

		copied := dep.clone()
		original := stringField(dep, "packager")
		if slices.Contains(preserve, original) {
			set.Dependencies = append(set.Dependencies, copied)
			continue
		}
		copied.Set("packager", packager)
		set.Dependencies = append(set.Dependencies, copied)

		depVersion := stringField(dep, "version")
		def := findTool(tools, name, depVersion)
		if def == nil {
			set.MissingDefinitions = append(set.MissingDefinitions, name+"@"+depVersion)
			continue
		}
		set.Definitions = append(set.Definitions, def)
	}
	return set, nil
}

func findPlatform(pkg *Object, version string) (*Object, error) {
	platforms, err := arrayField(pkg, "platforms")
	if err != nil {
		return nil, err
	}
	for _, p := range platforms {
		obj, ok := p.(*Object)
		if ok && stringField(obj, "version") == version {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPlatformNotFound, version)
}

func findTool(tools []any, name, version string) *Object {
	for _, t := range tools {
		obj, ok := t.(*Object)
		if ok && stringField(obj, "name") == name && stringField(obj, "version") == version {
			return obj
		}
	}
	return nil
}

func arrayField(o *Object, key string) ([]any, error) {
	v, ok := o.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s is missing", ErrStructure, key)
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an array", ErrStructure, key)
	}
	return arr, nil
}

func stringField(o *Object, key string) string {
	v, _ := o.Get(key)
	s, _ := v.(string)
	return s
}

// clone copies the top level of o.
func (o *Object) clone() *Object {
	c := NewObject()
	for _, k := range o.keys {
		c.Set(k, o.values[k])
	}
	return c
}

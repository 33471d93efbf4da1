// Package config loads the hubpack project configuration.
//
// # Overview
//
// A project is described by a single file, hubpack.yaml (or a TOML
// equivalent), that sits at the project root. The file is read once at the
// process entry point, layered over Default, and the resulting Config value
// is passed explicitly to every component. Nothing in hubpack reads paths
// from package-level state.
//
// # Paths
//
// Every relative path in the file is resolved against the directory that
// holds the file. The token {version} is replaced with baseline.version in
// the baseline URL and snapshot directory, the patch directory, the archive
// output, the variant source directory and the publish directory.
//
// # Validation
//
// Struct tags are checked with go-playground/validator. Unknown keys are
// rejected for both YAML and TOML so that typos surface at load time.
//
// # Usage Example
//
//	cfg, err := config.Load("hubpack.yaml")
//	if err != nil {
//	    return err
//	}
//	p, err := pipeline.New(ctx, cfg, tel)
package config

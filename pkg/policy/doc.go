// Package policy gates releases with Open Policy Agent (OPA) Rego policies.
//
// Every policy is a Rego module whose deny set lists violations. Entries
// may be strings or objects:
//
//	package hubpack.release
//
//	import rego.v1
//
//	deny contains violation if {
//	    count(input.boards.missing) > 0
//	    violation := {
//	        "message": "every board needs a variant",
//	        "severity": "error",
//	    }
//	}
//
// The input document is a ReleaseInput: patch counts and failures, the
// board classification, the variant sync report and, when an archive has
// been verified, its structure report.
//
// # Built-in Policies
//
//  1. require-applied-patch - patches exist but none applied
//  2. structure-valid - archive failed structural verification
//  3. orphaned-variants - variant folders without a board (warning)
//
// # Severity Levels
//
// Violations of severity error or critical deny the release. Warnings and
// info violations are reported only. Project policy files default to
// error for entries that carry no severity.
package policy

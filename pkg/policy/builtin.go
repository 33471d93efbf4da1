package policy

// BuiltinPolicies returns the release gate policies that are always loaded.
func BuiltinPolicies() []Policy {
	return []Policy{
		requireAppliedPatchPolicy(),
		structureValidPolicy(),
		orphanedVariantsPolicy(),
	}
}

// requireAppliedPatchPolicy refuses a release whose patch set exists but
// never applied.
func requireAppliedPatchPolicy() Policy {
	return Policy{
		Name:        "require-applied-patch",
		Description: "At least one patch must apply when patches exist",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package hubpack.release

import rego.v1

deny contains violation if {
	input.patches.total > 0
	input.patches.applied == 0
	violation := {
		"message": sprintf("none of the %d patches applied", [input.patches.total]),
		"severity": "error",
	}
}

deny contains violation if {
	some p in input.failed_patches
	violation := {
		"message": sprintf("patch %s did not apply to %s", [p.id, p.path]),
		"severity": "warning",
		"subject": p.id,
	}
}`,
	}
}

// structureValidPolicy refuses an archive that failed structural checks.
func structureValidPolicy() Policy {
	return Policy{
		Name:        "structure-valid",
		Description: "The archive must have one root and every required entry",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package hubpack.release

import rego.v1

deny contains violation if {
	input.structure
	not input.structure.valid
	count(input.structure.roots) != 1
	violation := {
		"message": sprintf("archive has %d root entries, want 1", [count(input.structure.roots)]),
		"severity": "error",
	}
}

deny contains violation if {
	some f in input.structure.missing_files
	violation := {
		"message": sprintf("archive is missing required file %s", [f]),
		"severity": "error",
		"subject": f,
	}
}

deny contains violation if {
	some d in input.structure.missing_dirs
	violation := {
		"message": sprintf("archive is missing required directory %s", [d]),
		"severity": "error",
		"subject": d,
	}
}`,
	}
}

// orphanedVariantsPolicy warns about variant folders no board uses.
func orphanedVariantsPolicy() Policy {
	return Policy{
		Name:        "orphaned-variants",
		Description: "Variant folders should belong to a registered board",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package hubpack.release

import rego.v1

deny contains violation if {
	some v in input.boards.orphaned
	violation := {
		"message": sprintf("variant folder %s has no corresponding board", [v]),
		"severity": "warning",
		"subject": v,
	}
}`,
	}
}

package policy

// BuiltinPolicies returns the command-safety policies shipped with eshu.
// They apply to plan, remediation and post-install commands alike, so a
// language model cannot talk the installer into damaging the host.
func BuiltinPolicies() []Policy {
	return []Policy{
		destructiveDeletePolicy(),
		pipeToShellPolicy(),
		diskWritePolicy(),
		forkBombPolicy(),
		worldWritableRootPolicy(),
		sudoersEditPolicy(),
	}
}

// destructiveDeletePolicy blocks recursive deletion of the root or home directory.
func destructiveDeletePolicy() Policy {
	return Policy{
		Name:        "destructive-delete",
		Description: "Blocks recursive deletion of /, /* or the home directory",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"filesystem", "destructive"},
		Rego: `package eshu.commands.destructive_delete

import rego.v1

targets_root if {
	regex.match("\\brm\\s+([^;&|]*\\s)?(/|/\\*|~|~/|\\$HOME|\\$HOME/)(\\s|;|&|\\||$)", input.command)
}

recursive if {
	regex.match("\\brm\\s+([^;&|]*\\s)?(-[a-zA-Z]*[rR][a-zA-Z]*|--recursive)(\\s|$)", input.command)
}

deny contains violation if {
	targets_root
	recursive
	violation := {
		"message": sprintf("recursive delete of a top-level directory: %s", [input.command]),
		"severity": "critical",
	}
}

deny contains violation if {
	contains(input.command, "--no-preserve-root")
	violation := {
		"message": "rm --no-preserve-root is never allowed",
		"severity": "critical",
	}
}`,
	}
}

// pipeToShellPolicy blocks piping downloaded content into a shell.
func pipeToShellPolicy() Policy {
	return Policy{
		Name:        "pipe-to-shell",
		Description: "Blocks curl or wget output piped into a shell interpreter",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"network", "execution"},
		Rego: `package eshu.commands.pipe_to_shell

import rego.v1

deny contains violation if {
	regex.match("\\b(curl|wget)\\b[^;&|]*\\|\\s*(sudo\\s+)?(ba|z|da|k)?sh\\b", input.command)
	violation := {
		"message": sprintf("downloaded content piped into a shell: %s", [input.command]),
		"severity": "critical",
	}
}`,
	}
}

// diskWritePolicy blocks formatting or raw writes to block devices.
func diskWritePolicy() Policy {
	return Policy{
		Name:        "disk-write",
		Description: "Blocks mkfs, dd to /dev and shell redirection onto block devices",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"disk", "destructive"},
		Rego: `package eshu.commands.disk_write

import rego.v1

deny contains violation if {
	regex.match("(^|[;&|]\\s*|\\bsudo\\s+)mkfs(\\.[a-z0-9]+)?\\b", input.command)
	violation := {
		"message": sprintf("filesystem creation: %s", [input.command]),
		"severity": "critical",
	}
}

deny contains violation if {
	regex.match("\\bdd\\b[^;&|]*\\bof=/dev/", input.command)
	violation := {
		"message": sprintf("raw write to a device: %s", [input.command]),
		"severity": "critical",
	}
}

deny contains violation if {
	regex.match(">\\s*/dev/(sd|nvme|hd|vd|mmcblk)", input.command)
	violation := {
		"message": sprintf("redirection onto a block device: %s", [input.command]),
		"severity": "critical",
	}
}`,
	}
}

// forkBombPolicy blocks the classic shell fork bomb.
func forkBombPolicy() Policy {
	return Policy{
		Name:        "fork-bomb",
		Description: "Blocks recursive shell functions that exhaust the process table",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"execution", "destructive"},
		Rego: `package eshu.commands.fork_bomb

import rego.v1

deny contains violation if {
	regex.match(":\\(\\)\\s*\\{[^}]*:\\s*\\|\\s*:", input.command)
	violation := {
		"message": "fork bomb",
		"severity": "critical",
	}
}`,
	}
}

// worldWritableRootPolicy blocks chmod 777 on the root directory.
func worldWritableRootPolicy() Policy {
	return Policy{
		Name:        "world-writable-root",
		Description: "Blocks making / world-writable",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"filesystem", "permissions"},
		Rego: `package eshu.commands.world_writable_root

import rego.v1

deny contains violation if {
	regex.match("\\bchmod\\s+(-R\\s+|--recursive\\s+)?[0-7]?777\\s+/(\\s|$)", input.command)
	violation := sprintf("world-writable root directory: %s", [input.command])
}`,
	}
}

// sudoersEditPolicy flags remediation commands that touch sudoers.
func sudoersEditPolicy() Policy {
	return Policy{
		Name:        "sudoers-edit",
		Description: "Warns when a remediation command modifies sudo configuration",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"permissions", "remediation"},
		Rego: `package eshu.commands.sudoers_edit

import rego.v1

deny contains violation if {
	input.stage == "remediation"
	contains(input.command, "/etc/sudoers")
	violation := {
		"message": sprintf("remediation modifies sudo configuration: %s", [input.command]),
		"severity": "warning",
	}
}`,
	}
}

package engine

import (
	"fmt"
	"strings"
)

// UnknownVersion is reported when a backend does not expose a version in its search output.
const UnknownVersion = "unknown"

// PackageResult is one candidate package reported by one backend.
// The same logical package found by two backends yields two results.
type PackageResult struct {
	// Name is the package name as shown by the backend.
	Name string `json:"name"`

	// ID is the identifier passed to the backend on install when it differs
	// from Name (e.g. a Flatpak application ID). Empty means Name.
	ID string `json:"id,omitempty"`

	// Version is the candidate version, or UnknownVersion.
	Version string `json:"version"`

	// Backend is the name of the backend that reported this result.
	Backend string `json:"backend"`

	// Repository is the backend-specific origin (pacman repo, flatpak remote).
	Repository string `json:"repository,omitempty"`

	// Description is a one-line summary.
	Description string `json:"description,omitempty"`

	// Size is the installed size in bytes, 0 when unknown.
	Size int64 `json:"size,omitempty"`

	// Installed reports whether the package is already present on the host.
	Installed bool `json:"installed"`

	// Score is the relevance score assigned by ranking.
	Score int `json:"score"`
}

// InstallName returns the identifier used when installing the package.
func (r PackageResult) InstallName() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Name
}

// Key returns the deduplication identity: normalized name plus backend.
func (r PackageResult) Key() string {
	return NormalizeName(r.Name) + "\x00" + r.Backend
}

// NormalizeName lowercases and trims a package name for comparisons.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// InstalledPackage is one entry of a backend's installed listing.
type InstalledPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// BuildSystem tags how a package is built when it is not installed from a binary.
type BuildSystem string

const (
	BuildSystemNone        BuildSystem = "none"
	BuildSystemMake        BuildSystem = "make"
	BuildSystemCMake       BuildSystem = "cmake"
	BuildSystemCargo       BuildSystem = "cargo-native"
	BuildSystemMeson       BuildSystem = "meson"
	BuildSystemInterpreted BuildSystem = "interpreted-language-native"
)

// Validate checks if the build system is known.
func (b BuildSystem) Validate() error {
	switch b {
	case BuildSystemNone, BuildSystemMake, BuildSystemCMake,
		BuildSystemCargo, BuildSystemMeson, BuildSystemInterpreted:
		return nil
	default:
		return fmt.Errorf("invalid build system: %s", b)
	}
}

// PlanSource identifies who produced a plan or an analysis.
type PlanSource string

const (
	SourceDeterministic PlanSource = "deterministic"
	SourceLanguageModel PlanSource = "language-model"
	SourceFallback      PlanSource = "fallback"
)

// InstallPlan is the ordered set of actions to install one package.
// A plan is produced once per attempt and never reused.
type InstallPlan struct {
	// Package is the package being installed.
	Package string `json:"package" validate:"required"`

	// Backend is the backend that will perform the install.
	Backend string `json:"backend" validate:"required"`

	// Commands are shell command lines executed in order.
	Commands []string `json:"commands" validate:"required,min=1,dive,required"`

	// RequiresBuild is set when the package is built from source.
	RequiresBuild bool `json:"requires_build"`

	// BuildSystem is the detected build tool when RequiresBuild is set.
	BuildSystem BuildSystem `json:"build_system" validate:"required"`

	// Dependencies are packages installed before Commands run.
	Dependencies []string `json:"dependencies,omitempty" validate:"dive,required"`

	// PostInstall commands run after a successful install; their failure is not fatal.
	PostInstall []string `json:"post_install,omitempty"`

	// Notes is free text for the caller.
	Notes string `json:"notes,omitempty"`

	// WorkDir is the directory commands run in, for source builds.
	WorkDir string `json:"work_dir,omitempty"`

	// Source records whether the plan came from the generator or the language model.
	Source PlanSource `json:"source"`
}

// ErrorKind classifies an installation failure.
type ErrorKind string

const (
	ErrorKindDependency ErrorKind = "dependency"
	ErrorKindNetwork    ErrorKind = "network"
	ErrorKindBuild      ErrorKind = "build"
	ErrorKindPermission ErrorKind = "permission"
	ErrorKindUnknown    ErrorKind = "unknown"
)

// ParseErrorKind maps free text to an ErrorKind, defaulting to unknown.
func ParseErrorKind(s string) ErrorKind {
	switch ErrorKind(strings.ToLower(strings.TrimSpace(s))) {
	case ErrorKindDependency:
		return ErrorKindDependency
	case ErrorKindNetwork:
		return ErrorKindNetwork
	case ErrorKindBuild:
		return ErrorKindBuild
	case ErrorKindPermission:
		return ErrorKindPermission
	default:
		return ErrorKindUnknown
	}
}

// DiagnosisUnavailable is the diagnosis reported when no analysis could be produced.
const DiagnosisUnavailable = "unavailable"

// ErrorAnalysis describes a failed installation attempt.
type ErrorAnalysis struct {
	Kind      ErrorKind  `json:"error_type"`
	Diagnosis string     `json:"diagnosis"`
	Solutions []string   `json:"solutions,omitempty"`
	Commands  []string   `json:"commands,omitempty"`
	Source    PlanSource `json:"source,omitempty"`
}

// UnavailableAnalysis is the analysis used when diagnosis is not possible.
func UnavailableAnalysis() ErrorAnalysis {
	return ErrorAnalysis{Kind: ErrorKindUnknown, Diagnosis: DiagnosisUnavailable, Source: SourceFallback}
}

// Interpretation is the structured reading of a free-text request.
type Interpretation struct {
	Terms            []string `json:"search_terms"`
	PreferredBackend string   `json:"preferred_manager,omitempty"`
	Intent           string   `json:"intent,omitempty"`
	Requirements     []string `json:"requirements,omitempty"`
}

// Recommendation is the language model's opinion on a ranked list.
type Recommendation struct {
	RecommendedIndex int      `json:"recommended_index"`
	Explanation      string   `json:"explanation,omitempty"`
	Alternatives     []int    `json:"alternatives,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

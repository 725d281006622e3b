// Package engine provides the core types, states and errors shared by the eshu
// package resolution engine.
//
// # Overview
//
// eshu resolves a single "find/install package X" request across every package
// manager present on a Linux host. A request flows through:
//
//  1. Profile - discover usable backends and installed packages (pkg/profile)
//  2. Search - fan the query out to every usable backend (pkg/search)
//  3. Rank - score and deduplicate the merged results (pkg/ranking)
//  4. Install - plan, install dependencies, execute, verify (pkg/installer)
//
// A language-model gateway (pkg/llm) may interpret free text, advise on the
// ranking and diagnose failures; every call has a deterministic fallback.
//
// # Core Domain Types
//
//   - PackageResult: one candidate from one backend
//   - InstallPlan: ordered commands to install one package
//   - ErrorAnalysis: diagnosis of a failed attempt
//   - InstallState: the install state machine
//
// # Error Handling
//
// Errors are classified for retry logic:
//
//   - Transient: backend timeouts, language model unavailable, a failing command
//     before its remediation retry
//   - Permanent: missing backends, failed dependencies, failed verification,
//     policy denial
//
// Use the sentinels with errors.Is:
//
//	if errors.Is(err, engine.ErrBackendTimeout) {
//	    // backend excluded from this search
//	}
package engine

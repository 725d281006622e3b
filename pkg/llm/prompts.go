package llm

import (
	"fmt"
	"strings"

	"github.com/eshu/eshu/pkg/engine"
	"github.com/eshu/eshu/pkg/profile"
)

func describeHost(p *profile.SystemProfile) (distro, backends string) {
	if p == nil {
		return "Linux", "unknown"
	}
	distro = strings.TrimSpace(p.Distro + " " + p.DistroVersion)
	if distro == "" {
		distro = "Linux"
	}
	backends = strings.Join(p.Backends, ", ")
	if backends == "" {
		backends = "none"
	}
	return distro, backends
}

func interpretPrompt(p *profile.SystemProfile) string {
	distro, backends := describeHost(p)
	return fmt.Sprintf(`You are an expert Linux package manager assistant. The user is running %s.

Available package managers: %s

Interpret the user's package installation request and return a JSON object with:
- "search_terms": list of package names to search for
- "preferred_manager": preferred package manager if specified (or null)
- "intent": what the user wants to do (install, search, info)
- "requirements": any special requirements mentioned

Be concise and accurate. Return ONLY valid JSON.`, distro, backends)
}

func explainPrompt(term string, p *profile.SystemProfile) string {
	distro, backends := describeHost(p)
	return fmt.Sprintf(`You are an expert Linux package manager assistant for %s.

The user searched for: %q

Available package managers (in priority order): %s

Analyze the search results and provide:
1. Recommended package index (the best match)
2. Brief explanation of why it's the best choice
3. Any warnings or considerations

Return JSON with:
{
  "recommended_index": <index>,
  "explanation": "<brief explanation>",
  "alternatives": [<alternative indices>],
  "warnings": ["<warnings>"]
}`, distro, term, backends)
}

func diagnosePrompt(pkg engine.PackageResult, p *profile.SystemProfile) string {
	distro, _ := describeHost(p)
	return fmt.Sprintf(`You are an expert Linux troubleshooter for %s.

An error occurred while installing %s via %s.

Analyze the error and return JSON:
{
  "error_type": "<dependency|network|build|permission|unknown>",
  "diagnosis": "<brief explanation>",
  "solutions": ["<potential solutions>"],
  "commands": ["<shell commands that fix the problem>"]
}`, distro, pkg.InstallName(), pkg.Backend)
}

func planPrompt(pkg engine.PackageResult, p *profile.SystemProfile) string {
	distro, _ := describeHost(p)
	return fmt.Sprintf(`You are an expert Linux system administrator for %s.

Generate a non-interactive installation plan for the following package:
- Name: %s
- Manager: %s
- Repository: %s
- Version: %s

Return JSON with:
{
  "commands": ["<commands to execute>"],
  "requires_build": <true|false>,
  "build_system": "<make|cmake|cargo|meson|interpreted or null>",
  "dependencies": ["<packages to install first>"],
  "post_install": ["<post-install commands>"],
  "notes": "<important notes>"
}`, distro, pkg.InstallName(), pkg.Backend, pkg.Repository, pkg.Version)
}

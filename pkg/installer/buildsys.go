package installer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/eshu/eshu/pkg/engine"
)

// buildMarkers maps marker files to build systems, most specific first.
// A Cargo.toml next to a Makefile is a Rust project with convenience
// targets, not a make project.
var buildMarkers = []struct {
	file   string
	system engine.BuildSystem
}{
	{"Cargo.toml", engine.BuildSystemCargo},
	{"meson.build", engine.BuildSystemMeson},
	{"CMakeLists.txt", engine.BuildSystemCMake},
	{"configure", engine.BuildSystemMake},
	{"Makefile", engine.BuildSystemMake},
	{"GNUmakefile", engine.BuildSystemMake},
	{"setup.py", engine.BuildSystemInterpreted},
	{"pyproject.toml", engine.BuildSystemInterpreted},
	{"package.json", engine.BuildSystemInterpreted},
}

// DetectBuildSystem inspects a source tree and reports how it is built.
// A directory without any known marker yields BuildSystemNone.
func DetectBuildSystem(dir string) (engine.BuildSystem, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return engine.BuildSystemNone, fmt.Errorf("failed to inspect source directory: %w", err)
	}
	if !info.IsDir() {
		return engine.BuildSystemNone, fmt.Errorf("not a directory: %s", dir)
	}

	for _, m := range buildMarkers {
		if _, err := os.Stat(filepath.Join(dir, m.file)); err == nil {
			return m.system, nil
		}
	}
	return engine.BuildSystemNone, nil
}

// jobsArg renders the parallel job count; zero or less means one job per CPU.
func jobsArg(jobs int) string {
	if jobs <= 0 {
		return "$(nproc)"
	}
	return strconv.Itoa(jobs)
}

// BuildCommands returns the command template that builds and installs the
// source tree in dir with the given build system. Interpreted projects pick
// their installer from the marker present in dir.
func BuildCommands(system engine.BuildSystem, dir string, jobs int) ([]string, error) {
	j := jobsArg(jobs)
	switch system {
	case engine.BuildSystemMake:
		cmds := []string{}
		if _, err := os.Stat(filepath.Join(dir, "configure")); err == nil {
			cmds = append(cmds, "./configure")
		}
		return append(cmds, "make -j"+j, "sudo make install"), nil
	case engine.BuildSystemCMake:
		return []string{
			"cmake -S . -B build -DCMAKE_BUILD_TYPE=Release",
			"cmake --build build -j " + j,
			"sudo cmake --install build",
		}, nil
	case engine.BuildSystemCargo:
		return []string{
			"cargo build --release -j " + j,
			"cargo install --path .",
		}, nil
	case engine.BuildSystemMeson:
		return []string{
			"meson setup build",
			"meson compile -C build -j " + j,
			"sudo meson install -C build",
		}, nil
	case engine.BuildSystemInterpreted:
		if _, err := os.Stat(filepath.Join(dir, "package.json")); err == nil {
			return []string{"npm install", "npm install -g ."}, nil
		}
		return []string{"pip3 install --user ."}, nil
	default:
		return nil, fmt.Errorf("no build commands for build system %q", system)
	}
}

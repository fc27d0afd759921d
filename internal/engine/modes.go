package engine

import (
	"bufio"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Zeeshankhan077/neuraX/internal/sandbox"
	"github.com/Zeeshankhan077/neuraX/internal/types"
)

// Default mode templates. Images and deadlines can be overridden in Config;
// the isolation caps are fixed per mode.
const (
	DefaultScriptImage = "python:3.10"
	DefaultRenderImage = "nytimes/blender:latest"

	DefaultScriptDeadline = 300 * time.Second
	DefaultRenderDeadline = 300 * time.Second
	DefaultCellDeadline   = 120 * time.Second
	DefaultCLIDeadline    = 60 * time.Second

	stopGrace = 5 * time.Second

	scratchMountPath = "/tmp/task.py"
)

// cliAllowList enumerates the only commands the cli mode may run. Everything
// else fails validation before a job is even created.
var cliAllowList = map[string]struct{}{
	"echo": {},
	"ls":   {},
	"pwd":  {},
	"date": {},
}

// CLIAllowed reports whether the first word of command is on the allow-list.
func CLIAllowed(command string) bool {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return false
	}
	_, ok := cliAllowList[argv[0]]
	return ok
}

// scriptSpec is the sandbox template for script and notebook-cell jobs:
// one pinned CPU, 2 GiB, no network, read-only rootfs, fd ulimit, payload
// mounted read-only at a fixed path.
func (e *Engine) scriptSpec(jobID, scratchPath string, deadline time.Duration) sandbox.Spec {
	return sandbox.Spec{
		Name:             "neurax-job-" + jobID,
		Image:            e.cfg.ScriptImage,
		Argv:             []string{"python", scratchMountPath},
		CPUs:             1,
		MemoryBytes:      2 * 1024 * 1024 * 1024,
		NoNetwork:        true,
		ReadOnlyRootfs:   true,
		NOFileLimit:      1024,
		ScratchHostPath:  scratchPath,
		ScratchMountPath: scratchMountPath,
		Tmpfs:            map[string]string{"/var/tmp": "rw,size=16m"},
		Deadline:         deadline,
		Grace:            stopGrace,
	}
}

// renderSpec is the sandbox template for render jobs: the renderer image with
// 4 CPUs, 8 GiB, the job's artifact directory mounted read-write at /output,
// and GPU passthrough only when the host advertises one.
func (e *Engine) renderSpec(jobID, scratchPath, outputDir string) sandbox.Spec {
	return sandbox.Spec{
		Name:  "neurax-job-" + jobID,
		Image: e.cfg.RenderImage,
		Argv: []string{
			"blender", "-b", "-noaudio",
			"-P", scratchMountPath,
			"-o", "/output/render_####",
			"-f", "1",
		},
		CPUs:             4,
		MemoryBytes:      8 * 1024 * 1024 * 1024,
		NoNetwork:        true,
		ScratchHostPath:  scratchPath,
		ScratchMountPath: scratchMountPath,
		OutputHostPath:   outputDir,
		Tmpfs:            map[string]string{"/tmp": "rw,size=256m"},
		GPU:              e.cfg.EnableGPU,
		Deadline:         e.cfg.RenderDeadline,
		Grace:            stopGrace,
	}
}

// cliSpec builds the argv for an allow-listed command. The command string is
// split into fields and executed directly, never through a shell, so quoting
// tricks and metacharacters stay inert.
func cliSpec(command string, deadline time.Duration) sandbox.Spec {
	return sandbox.Spec{
		Argv:     strings.Fields(command),
		Deadline: deadline,
	}
}

// deadlineFor returns the per-mode execution deadline.
func (e *Engine) deadlineFor(mode types.JobMode) time.Duration {
	switch mode {
	case types.ModeNotebookCell:
		return e.cfg.CellDeadline
	case types.ModeRender:
		return e.cfg.RenderDeadline
	case types.ModeCLI:
		return e.cfg.CLIDeadline
	default:
		return e.cfg.ScriptDeadline
	}
}

// bundledModules lists module names available in the sandbox image without
// installation. Used by the import heuristic only; it does not have to be
// exhaustive, unknown-but-present modules just produce a spurious diagnostic.
var bundledModules = map[string]struct{}{
	"abc": {}, "argparse": {}, "array": {}, "asyncio": {}, "base64": {},
	"binascii": {}, "bisect": {}, "collections": {}, "contextlib": {},
	"copy": {}, "csv": {}, "dataclasses": {}, "datetime": {}, "decimal": {},
	"enum": {}, "functools": {}, "glob": {}, "gzip": {}, "hashlib": {},
	"heapq": {}, "hmac": {}, "html": {}, "http": {}, "io": {},
	"itertools": {}, "json": {}, "logging": {}, "math": {}, "os": {},
	"pathlib": {}, "pickle": {}, "queue": {}, "random": {}, "re": {},
	"secrets": {}, "shutil": {}, "socket": {}, "sqlite3": {}, "statistics": {},
	"string": {}, "struct": {}, "subprocess": {}, "sys": {}, "tempfile": {},
	"textwrap": {}, "threading": {}, "time": {}, "typing": {}, "unicodedata": {},
	"urllib": {}, "uuid": {}, "warnings": {}, "xml": {}, "zlib": {},
}

// unresolvedImports scans top-level import statements in code and returns the
// module names not known to be bundled in the sandbox image, sorted. The
// result is diagnostic only: the sandbox has no network, so nothing can be
// installed at run time.
func unresolvedImports(code string) []string {
	seen := map[string]struct{}{}

	sc := bufio.NewScanner(strings.NewReader(code))
	for sc.Scan() {
		line := sc.Text()
		// Only top-level statements count; indented imports are conditional
		// and too noisy to flag.
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			continue
		}

		var modules string
		switch {
		case strings.HasPrefix(line, "import "):
			modules = strings.TrimPrefix(line, "import ")
		case strings.HasPrefix(line, "from "):
			rest := strings.TrimPrefix(line, "from ")
			if i := strings.Index(rest, " import"); i > 0 {
				modules = rest[:i]
			}
		default:
			continue
		}

		for _, m := range strings.Split(modules, ",") {
			m = strings.TrimSpace(m)
			if i := strings.IndexAny(m, " ."); i >= 0 {
				m = m[:i] // strip submodule path and "as" aliases
			}
			if m == "" {
				continue
			}
			if _, bundled := bundledModules[m]; !bundled {
				seen[m] = struct{}{}
			}
		}
	}

	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// importDiagnostic formats the unresolved-imports log line.
func importDiagnostic(modules []string) string {
	return fmt.Sprintf("unresolved imports (sandbox has no network, nothing will be installed): %s",
		strings.Join(modules, ", "))
}

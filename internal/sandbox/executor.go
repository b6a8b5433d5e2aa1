package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// SandboxUnavailableError reports that bwrap is not on PATH and no
// no-sandbox override was set.
type SandboxUnavailableError struct{}

func (e *SandboxUnavailableError) Error() string {
	return "sandbox: bwrap not found in PATH and no-sandbox override not set"
}

// ExecutionTimeoutError reports a process that exceeded exec_config's
// timeout and was killed.
type ExecutionTimeoutError struct{ TimeoutMs int }

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("sandbox: execution exceeded %dms timeout", e.TimeoutMs)
}

// ExecutionFailedError wraps a non-zero exit that isn't classified as a
// missing-dependency error.
type ExecutionFailedError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("sandbox: execution failed (exit %d): %s", e.ExitCode, e.Stderr)
}

// ExecConfig carries resource caps for one sandbox run. CPU shaping is left
// to the host's cgroup slice (an infrastructure concern outside what bwrap
// itself controls). TimeoutMs is enforced here; MemoryLimitMB is applied
// through prlimit only when a prlimit binary is on PATH, and is otherwise
// not enforced.
type ExecConfig struct {
	MemoryLimitMB int
	TimeoutMs     int
	NoSandbox     bool // explicit override permitting a non-bwrap fallback
}

// runnerFor maps a language to its interpreter command; the script path is
// appended as its last argument.
var runnerFor = map[string][]string{
	"python":     {"python3"},
	"javascript": {"node"},
}

// Executor launches untrusted code inside a bubblewrap sandbox, exposing a
// read-only /workspace/input and writable /workspace/output, and enforcing
// exec_config's resource caps. Grounded on internal/process/docker.go's
// exec.CommandContext launch + stdout/stderr capture pattern, adapted from
// `docker run` args-building to `bwrap` args-building.
type Executor struct {
	// BwrapPath overrides the resolved "bwrap" binary, for tests.
	BwrapPath string
}

// NewExecutor creates an Executor that resolves bwrap from PATH.
func NewExecutor() *Executor {
	return &Executor{}
}

// Result is the outcome of one Execute call.
type Result struct {
	Success     bool
	Stdout      string
	Stderr      string
	ExitCode    int
	OutputFiles map[string][]byte
}

func (e *Executor) bwrap() (string, error) {
	if e.BwrapPath != "" {
		return e.BwrapPath, nil
	}
	return exec.LookPath("bwrap")
}

// Execute prepares the scratch workspace, verifies bwrap is available,
// launches the sandboxed interpreter, and collects output. dependencies
// must already have passed DependencyGate.Resolve; Execute itself does not
// re-check the allowlist.
func (e *Executor) Execute(ctx context.Context, language, code string, inputFiles map[string][]byte, cfg ExecConfig) (Result, error) {
	bwrapPath, err := e.bwrap()
	if err != nil {
		if !cfg.NoSandbox {
			return Result{}, &SandboxUnavailableError{}
		}
		bwrapPath = "" // fall through to direct-exec path below
	}

	runner, ok := runnerFor[language]
	if !ok {
		return Result{}, fmt.Errorf("sandbox: unsupported language %q", language)
	}

	workDir, err := os.MkdirTemp("", "ccos-sandbox-")
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: create workspace: %w", err)
	}
	defer os.RemoveAll(workDir)

	inputDir := filepath.Join(workDir, "input")
	outputDir := filepath.Join(workDir, "output")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Result{}, err
	}

	for name, data := range inputFiles {
		path := filepath.Join(inputDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Result{}, fmt.Errorf("sandbox: prepare input file %s: %w", name, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return Result{}, fmt.Errorf("sandbox: write input file %s: %w", name, err)
		}
	}

	scriptExt := map[string]string{"python": ".py", "javascript": ".js"}[language]
	scriptPath := filepath.Join(workDir, "main"+scriptExt)
	if err := os.WriteFile(scriptPath, []byte(code), 0o644); err != nil {
		return Result{}, fmt.Errorf("sandbox: write script: %w", err)
	}

	timeout := 30 * time.Second
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	innerCmd := append([]string{}, runner...)
	innerCmd = append(innerCmd, "/workspace/"+filepath.Base(scriptPath))
	if cfg.MemoryLimitMB > 0 {
		if prlimitPath, err := exec.LookPath("prlimit"); err == nil {
			limitBytes := strconv.Itoa(cfg.MemoryLimitMB * 1024 * 1024)
			innerCmd = append([]string{prlimitPath, "--as=" + limitBytes, "--"}, innerCmd...)
		}
	}

	var cmd *exec.Cmd
	if bwrapPath != "" {
		args := []string{
			"--ro-bind", "/usr", "/usr",
			"--ro-bind", "/lib", "/lib",
			"--symlink", "usr/bin", "/bin",
			"--ro-bind", inputDir, "/workspace/input",
			"--bind", outputDir, "/workspace/output",
			"--ro-bind", scriptPath, "/workspace/" + filepath.Base(scriptPath),
			"--unshare-net",
			"--unshare-pid",
			"--die-with-parent",
			"--chdir", "/workspace",
		}
		args = append(args, innerCmd...)
		cmd = exec.CommandContext(runCtx, bwrapPath, args...)
	} else {
		// /workspace exists only inside bwrap; run the host-side script.
		innerCmd[len(innerCmd)-1] = scriptPath
		cmd = exec.CommandContext(runCtx, innerCmd[0], innerCmd[1:]...)
		cmd.Dir = workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Info().Str("language", language).Bool("sandboxed", bwrapPath != "").Msg("sandbox: executing")

	runErr := cmd.Run()

	outputs, walkErr := collectOutputs(outputDir)
	if walkErr != nil {
		log.Warn().Err(walkErr).Msg("sandbox: failed to enumerate output files")
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), OutputFiles: outputs}, &ExecutionTimeoutError{TimeoutMs: cfg.TimeoutMs}
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("sandbox: launch failed: %w", runErr)
		}
	}

	result := Result{
		Success:     exitCode == 0,
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
		ExitCode:    exitCode,
		OutputFiles: outputs,
	}

	if exitCode != 0 {
		if missing, ok := detectMissingDependency(stderr.String()); ok {
			return result, &MissingDependencyError{Module: missing}
		}
		return result, &ExecutionFailedError{ExitCode: exitCode, Stderr: stderr.String()}
	}

	return result, nil
}

func collectOutputs(dir string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return out, err
		}
		out[entry.Name()] = data
	}
	return out, nil
}

// MissingDependencyError is the post-mortem classification of a
// ModuleNotFoundError/ImportError stderr, used to seed the next refinement
// turn's PackageApproval request.
type MissingDependencyError struct{ Module string }

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("sandbox: missing dependency %q", e.Module)
}

var (
	pyModuleNotFound = regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`)
	jsModuleNotFound = regexp.MustCompile(`Cannot find module '([^']+)'`)
	importError      = regexp.MustCompile(`ImportError: No module named '?([A-Za-z0-9_.]+)'?`)
)

// detectMissingDependency implements §4.4's post-mortem detection: a
// non-zero exit whose stderr carries a ModuleNotFoundError/ImportError is
// classified and the module name extracted.
func detectMissingDependency(stderr string) (string, bool) {
	for _, re := range []*regexp.Regexp{pyModuleNotFound, jsModuleNotFound, importError} {
		if m := re.FindStringSubmatch(stderr); len(m) == 2 {
			return m[1], true
		}
	}
	return "", false
}

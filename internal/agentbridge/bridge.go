// Package agentbridge streams instructions to the code agent. Every
// converse call spawns one agent CLI subprocess, reads its newline-
// delimited JSON event stream, and normalizes the heterogeneous events
// into a uniform chunk sequence ending in exactly one Result.
//
// The subprocess is owned by the call that spawned it: cancelling the
// caller's context terminates it, and no pooling or reuse happens across
// calls. Session continuity is the agent's own job via resume/fork flags.
package agentbridge

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// sessionMarkerEnv is the environment variable the agent CLI sets inside
// its own sessions. It is stripped from the subprocess environment so a
// nested agent does not believe it is already running in one.
const sessionMarkerEnv = "CLAUDECODE"

// configDirEnv overrides the agent CLI's config directory.
const configDirEnv = "CLAUDE_CONFIG_DIR"

// defaultBinary is the agent CLI binary looked up on PATH when no
// explicit path is configured.
const defaultBinary = "claude"

// maxEventSize bounds a single stream-json line from the subprocess.
const maxEventSize = 16 * 1024 * 1024

// PermissionMode selects how the agent handles tool permission prompts.
type PermissionMode string

const (
	PermissionPlan        PermissionMode = "plan"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
)

// IsValid reports whether m is a recognised permission mode.
func (m PermissionMode) IsValid() bool {
	return m == PermissionPlan || m == PermissionAcceptEdits
}

// Options configures one converse call.
type Options struct {
	// Model selects the agent model.
	Model string

	// SystemPrompt is appended to the agent's own system prompt.
	SystemPrompt string

	// Cwd is the working directory for the subprocess. Must not lie
	// inside the agent's config directory.
	Cwd string

	// SessionID resumes an existing agent session when non-empty.
	SessionID string

	// PermissionMode is forwarded when valid; the agent's default applies
	// otherwise.
	PermissionMode PermissionMode

	// Fork asks the agent to branch the resumed session instead of
	// appending to it.
	Fork bool

	// AllowedTools and DisallowedTools restrict the agent's tool set.
	AllowedTools    []string
	DisallowedTools []string
}

// Option is a functional option for configuring a Bridge.
type Option func(*Bridge)

// WithBinary sets an explicit agent CLI path instead of the PATH lookup.
func WithBinary(path string) Option {
	return func(b *Bridge) { b.binary = path }
}

// WithConfigDir overrides the agent's config directory for spawned
// subprocesses.
func WithConfigDir(dir string) Option {
	return func(b *Bridge) { b.configDir = dir }
}

// Bridge spawns agent subprocesses and translates their event streams.
// It is stateless apart from configuration and safe for concurrent use.
type Bridge struct {
	binary    string
	configDir string
}

// New creates a Bridge with the given options applied in order.
func New(opts ...Option) *Bridge {
	b := &Bridge{binary: defaultBinary}
	for _, o := range opts {
		o(b)
	}
	return b
}

// LookupBinary resolves the configured agent CLI binary, reporting an
// error when it cannot be found. Callers use this at startup so a missing
// agent fails fast instead of on the first converse.
func (b *Bridge) LookupBinary() (string, error) {
	path, err := exec.LookPath(b.binary)
	if err != nil {
		return "", fmt.Errorf("agentbridge: agent CLI %q not found: %w", b.binary, err)
	}
	return path, nil
}

// ConfigDir resolves the effective agent config directory: the configured
// override, or the agent CLI's default under the user's home.
func (b *Bridge) ConfigDir() (string, error) {
	if b.configDir != "" {
		return b.configDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("agentbridge: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".claude"), nil
}

// Converse spawns the agent with the given instruction and streams
// normalized chunks. The returned channel is closed after the terminal
// Result chunk; exactly one Result is always delivered, synthesized from
// the subprocess exit status if the agent never produced one.
//
// Cancelling ctx terminates the subprocess. Chunks already emitted remain
// with the consumer; no further chunks follow the terminal one.
func (b *Bridge) Converse(ctx context.Context, instruction string, opts Options) (<-chan Chunk, error) {
	if opts.Cwd != "" {
		if dir, err := b.ConfigDir(); err == nil {
			if inside, err := pathInside(opts.Cwd, dir); err == nil && inside {
				return nil, fmt.Errorf("agentbridge: cwd %q is inside the agent config dir", opts.Cwd)
			}
		}
	}

	cmd := exec.CommandContext(ctx, b.binary, buildArgs(instruction, opts)...)
	cmd.Dir = opts.Cwd
	cmd.Env = scrubEnv(os.Environ(), b.configDir)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agentbridge: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("agentbridge: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agentbridge: start agent: %w", err)
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			slog.Debug("agent stderr", "line", sc.Text())
		}
	}()

	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)

		tr := newTranslator()
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
		for sc.Scan() {
			for _, chunk := range tr.Translate(sc.Bytes()) {
				select {
				case ch <- chunk:
				case <-ctx.Done():
					_ = cmd.Wait()
					return
				}
			}
			if tr.Done() {
				break
			}
		}

		waitErr := cmd.Wait()

		if !tr.Done() {
			// The agent exited without a terminal result: synthesize one so
			// consumers always observe exactly one Result.
			msg := "agent exited before emitting a result"
			if waitErr != nil {
				msg = fmt.Sprintf("agent failed: %v", waitErr)
			}
			if ctx.Err() != nil {
				msg = fmt.Sprintf("converse cancelled: %v", ctx.Err())
			}
			select {
			case ch <- Result{Error: msg}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// buildArgs assembles the agent CLI argument list for one converse call.
func buildArgs(instruction string, opts Options) []string {
	args := []string{
		"-p", instruction,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.PermissionMode.IsValid() {
		args = append(args, "--permission-mode", string(opts.PermissionMode))
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
		if opts.Fork {
			args = append(args, "--fork-session")
		}
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	return args
}

// scrubEnv removes the in-session marker from env and applies the config
// dir override when set.
func scrubEnv(env []string, configDir string) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, sessionMarkerEnv+"=") {
			continue
		}
		if configDir != "" && strings.HasPrefix(kv, configDirEnv+"=") {
			continue
		}
		out = append(out, kv)
	}
	if configDir != "" {
		out = append(out, configDirEnv+"="+configDir)
	}
	return out
}

// pathInside reports whether path lies within dir after cleaning both.
func pathInside(path, dir string) (bool, error) {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false, err
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)), nil
}

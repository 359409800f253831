// Package builder runs the external structure builder for a single build and
// collects its parsed output.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/carbbuild/internal/artifact"
	"github.com/kalambet/carbbuild/internal/parser"
)

const (
	// waitDelay bounds how long Wait blocks on output pipes after the
	// process has exited or been killed.
	waitDelay = 5 * time.Second
	maxStderr = 64 << 10
)

// Config controls how the builder tool is invoked.
type Config struct {
	// ToolPath is the builder executable.
	ToolPath string
	// UseLauncher prefixes the command with Launcher, for platforms that
	// cannot execute the tool's binary format natively.
	UseLauncher bool
	Launcher    string
	// PSF asks the tool for the derived PSF companion file.
	PSF bool
	// Timeout kills a build that runs longer. Zero disables it.
	Timeout time.Duration
}

// Spec describes one build.
type Spec struct {
	Key           string
	Specification string
	RepeatCount   int
	Dihedral      string
}

// HasDihedral reports whether the build carries override text.
func (s Spec) HasDihedral() bool {
	return strings.TrimSpace(s.Dihedral) != ""
}

// Invocation is a prepared, not yet started, builder command.
type Invocation struct {
	Key   string
	Args  []string
	Dir   string
	Paths artifact.Paths
}

// Runner prepares and runs builder processes.
type Runner struct {
	cfg      Config
	files    *artifact.Store
	logger   *slog.Logger
	lookPath func(string) (string, error)
}

// NewRunner creates a Runner that keeps artifacts in files.
func NewRunner(cfg Config, files *artifact.Store) *Runner {
	if cfg.Launcher == "" {
		cfg.Launcher = "mono"
	}
	return &Runner{
		cfg:      cfg,
		files:    files,
		logger:   slog.Default(),
		lookPath: exec.LookPath,
	}
}

// Command returns the argv for spec:
//
//	[launcher] <tool> -i <spec> -o <base> [-r <n>] [-d <dihedral file>] [-PSF]
func (r *Runner) Command(spec Spec) []string {
	paths := artifact.For(spec.Key)

	var args []string
	if r.cfg.UseLauncher {
		args = append(args, r.cfg.Launcher)
	}
	args = append(args,
		r.cfg.ToolPath,
		"-i", spec.Specification,
		"-o", r.files.Abs(paths.OutputBase),
	)
	if spec.RepeatCount > 0 {
		args = append(args, "-r", strconv.Itoa(spec.RepeatCount))
	}
	if spec.HasDihedral() {
		args = append(args, "-d", r.files.Abs(paths.Dihedral))
	}
	if r.cfg.PSF {
		args = append(args, "-PSF")
	}
	return args
}

// Prepare writes the dihedral override file and checks that the builder can
// be launched. Errors are launch errors: nothing has been started.
func (r *Runner) Prepare(spec Spec) (*Invocation, error) {
	paths := artifact.For(spec.Key)

	if spec.HasDihedral() {
		if err := r.files.WriteFile(paths.Dihedral, []byte(spec.Dihedral)); err != nil {
			return nil, fmt.Errorf("writing dihedral file: %w", err)
		}
	}

	if r.cfg.UseLauncher {
		if _, err := r.lookPath(r.cfg.Launcher); err != nil {
			return nil, fmt.Errorf("locating launcher %q: %w", r.cfg.Launcher, err)
		}
		if _, err := os.Stat(r.cfg.ToolPath); err != nil {
			return nil, fmt.Errorf("locating builder %q: %w", r.cfg.ToolPath, err)
		}
	} else if _, err := r.lookPath(r.cfg.ToolPath); err != nil {
		return nil, fmt.Errorf("locating builder %q: %w", r.cfg.ToolPath, err)
	}

	return &Invocation{
		Key:   spec.Key,
		Args:  r.Command(spec),
		Dir:   r.files.Root,
		Paths: paths,
	}, nil
}

// Run starts the prepared command, feeds its stdout through the output
// parser and waits for it to exit. It never returns before the output
// stream is drained.
func (r *Runner) Run(ctx context.Context, inv *Invocation) Outcome {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.Args[0], inv.Args[1:]...)
	cmd.Dir = inv.Dir
	cmd.WaitDelay = waitDelay
	stderr := &cappedBuffer{limit: maxStderr}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{StartErr: err}
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{StartErr: err}
	}
	r.logger.Debug("builder started", "key", inv.Key, "pid", cmd.Process.Pid)

	p := parser.New()
	if err := p.ReadFrom(stdout); err != nil {
		r.logger.Warn("reading builder output", "key", inv.Key, "error", err)
		io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	out := Outcome{
		Result:   p.Result(),
		ExitErr:  waitErr,
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}
	if r.cfg.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.TimedOut = true
		out.Timeout = r.cfg.Timeout
	}
	if waitErr != nil && out.Result.Built {
		r.logger.Warn("builder reported a structure but exited abnormally", "key", inv.Key, "error", waitErr)
	}
	return out
}

// Outcome is everything known about a finished builder process.
type Outcome struct {
	Result parser.Result
	// StartErr is set when the process could not be spawned.
	StartErr error
	// ExitErr is the error from waiting on the process.
	ExitErr  error
	TimedOut bool
	Timeout  time.Duration
	Stderr   string
	Duration time.Duration
}

// Verdict decides the terminal state. The parser's completion marker is
// authoritative over the exit status; a timeout or a spawn failure is not.
func (o Outcome) Verdict() (ok bool, reason string) {
	switch {
	case o.StartErr != nil:
		return false, "The builder could not be started: " + o.StartErr.Error()
	case o.TimedOut:
		return false, fmt.Sprintf("Build timed out after %s", o.Timeout)
	case o.Result.Succeeded():
		return true, ""
	}
	return false, o.Result.FailReason
}

// ConsoleLog renders the transcript persisted for failed builds.
func (o Outcome) ConsoleLog() string {
	var b strings.Builder
	b.WriteString(o.Result.Transcript)
	if o.StartErr != nil {
		fmt.Fprintf(&b, "[start error] %v\n", o.StartErr)
	}
	if o.ExitErr != nil {
		fmt.Fprintf(&b, "[exit] %v\n", o.ExitErr)
	}
	if o.Stderr != "" {
		b.WriteString("[stderr]\n")
		b.WriteString(o.Stderr)
		if !strings.HasSuffix(o.Stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// cappedBuffer keeps the first limit bytes written to it and drops the rest.
type cappedBuffer struct {
	buf   []byte
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.limit - len(c.buf); room > 0 {
		if len(p) > room {
			c.buf = append(c.buf, p[:room]...)
		} else {
			c.buf = append(c.buf, p...)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	return string(c.buf)
}

// Package subprocess drives the claude CLI as a child process.
package subprocess

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"claude-bridge/internal/invoker"
	"claude-bridge/internal/metadata"
	"claude-bridge/internal/models"
)

const (
	maxLineSize = 4 * 1024 * 1024
	// waitDelay bounds how long Wait blocks on pipes after the child is killed.
	waitDelay = 5 * time.Second
)

// Config configures the subprocess invoker.
type Config struct {
	Path       string
	WorkingDir string
	TempDir    string
	ExtraArgs  []string
}

// Invoker runs one CLI process per attempt. The prompt travels through a
// temp file on stdin so user text never reaches the command line.
type Invoker struct {
	path       string
	workingDir string
	tempDir    string
	extraArgs  []string
}

var _ invoker.Invoker = (*Invoker)(nil)

// New constructs a subprocess invoker.
func New(cfg Config) (*Invoker, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("cli path must not be empty")
	}
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Invoker{
		path:       path,
		workingDir: cfg.WorkingDir,
		tempDir:    tempDir,
		extraArgs:  append([]string(nil), cfg.ExtraArgs...),
	}, nil
}

func (i *Invoker) Name() string {
	return invoker.NameSubprocess
}

// Available reports whether the executable can be resolved.
func (i *Invoker) Available() bool {
	_, err := exec.LookPath(i.path)
	return err == nil
}

// Invoke runs the CLI in single-shot JSON mode.
func (i *Invoker) Invoke(ctx context.Context, q models.TranslatedQuery) (*models.InvocationResult, error) {
	var stdout, stderr bytes.Buffer
	runErr := i.withPromptFile(q.Prompt, func(prompt *os.File) error {
		cmd := i.command(ctx, q, false, prompt)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		return cmd.Run()
	})

	meta := metadata.Extract(stderr.String())
	out, parseErr := parseOutput(stdout.Bytes())

	if runErr != nil {
		if parseErr != nil || out.Result == "" || out.IsError || !exitedNonZero(runErr) || ctx.Err() != nil {
			return nil, i.failure(ctx, runErr, stderr.String())
		}
		slog.Warn("cli exited with an error but produced a result", "error", runErr, "conversation_id", q.ConversationID)
	}
	if parseErr != nil {
		return nil, invoker.Transport(invoker.NameSubprocess, parseErr)
	}
	if out.IsError {
		msg := out.Result
		if msg == "" {
			msg = "cli reported an error"
		}
		return nil, invoker.Transport(invoker.NameSubprocess, errors.New(msg))
	}

	res := &models.InvocationResult{
		BackendModelID: q.Model,
		ConversationID: q.ConversationID,
		Finished:       out.Finished,
		Invoker:        invoker.NameSubprocess,
	}
	if out.Result != "" {
		res.Messages = append(res.Messages, models.TextMessage(out.Result))
	}
	finish(res, out, meta)
	return res, nil
}

// Stream runs the CLI in stream-json mode and relays each result-bearing line
// as it arrives. The terminal event is sent after the process exits so that
// stderr metadata can be attached.
func (i *Invoker) Stream(ctx context.Context, q models.TranslatedQuery) (<-chan models.Event, error) {
	prompt, cleanup, err := i.createPromptFile(q.Prompt)
	if err != nil {
		return nil, invoker.Transport(invoker.NameSubprocess, err)
	}

	cmd := i.command(ctx, q, true, prompt)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return nil, invoker.Transport(invoker.NameSubprocess, fmt.Errorf("open stdout: %w", err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cleanup()
		return nil, invoker.Transport(invoker.NameSubprocess, fmt.Errorf("open stderr: %w", err))
	}
	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, i.failure(ctx, err, "")
	}

	events := make(chan models.Event)
	go func() {
		defer close(events)
		defer cleanup()

		var (
			stderr bytes.Buffer
			state  streamState
		)
		g := new(errgroup.Group)
		g.Go(func() error {
			_, err := io.Copy(&stderr, stderrPipe)
			return err
		})
		g.Go(func() error {
			scanner := bufio.NewScanner(stdoutPipe)
			scanner.Buffer(make([]byte, 64*1024), maxLineSize)
			delivered := true
			for scanner.Scan() {
				delta, ok := state.consume(scanner.Bytes())
				if !ok || !delivered {
					continue
				}
				// keep draining after a failed send so the child can exit
				delivered = invoker.Send(ctx, events, models.Event{Text: delta})
			}
			return scanner.Err()
		})
		drainErr := g.Wait()
		waitErr := cmd.Wait()

		if ctx.Err() != nil {
			invoker.Send(ctx, events, models.Event{Err: invoker.Transport(invoker.NameSubprocess, ctx.Err())})
			return
		}
		if state.errMsg != "" {
			invoker.Send(ctx, events, models.Event{Err: invoker.Transport(invoker.NameSubprocess, errors.New(state.errMsg))})
			return
		}
		if state.texts == 0 {
			switch {
			case waitErr != nil:
				invoker.Send(ctx, events, models.Event{Err: i.failure(ctx, waitErr, stderr.String())})
				return
			case drainErr != nil:
				invoker.Send(ctx, events, models.Event{Err: invoker.Transport(invoker.NameSubprocess, fmt.Errorf("read cli output: %w", drainErr))})
				return
			case !state.terminal:
				invoker.Send(ctx, events, models.Event{Err: invoker.Transport(invoker.NameSubprocess, errNoOutput)})
				return
			}
		} else if waitErr != nil {
			slog.Warn("cli exited with an error after streaming output", "error", waitErr, "conversation_id", q.ConversationID)
		}

		res := &models.InvocationResult{
			BackendModelID: q.Model,
			ConversationID: q.ConversationID,
			Finished:       state.out.Finished || !state.terminal,
			Invoker:        invoker.NameSubprocess,
			Messages:       state.messages(),
		}
		finish(res, state.out, metadata.Extract(stderr.String()))
		invoker.Send(ctx, events, models.Event{Result: res})
	}()
	return events, nil
}

func (i *Invoker) command(ctx context.Context, q models.TranslatedQuery, stream bool, stdin *os.File) *exec.Cmd {
	cmd := exec.CommandContext(ctx, i.path, i.args(q, stream)...)
	cmd.Stdin = stdin
	cmd.WaitDelay = waitDelay
	if dir := q.WorkingDirectory; dir != "" {
		cmd.Dir = dir
	} else if i.workingDir != "" {
		cmd.Dir = i.workingDir
	}
	return cmd
}

func (i *Invoker) args(q models.TranslatedQuery, stream bool) []string {
	args := []string{"-p"}
	if stream {
		args = append(args, "--output-format", "stream-json", "--verbose")
	} else {
		args = append(args, "--output-format", "json")
	}
	if q.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(q.MaxTurns))
	}
	if q.Model != "" {
		args = append(args, "--model", q.Model)
	}
	if q.SystemPrompt != "" {
		args = append(args, "--system-prompt", q.SystemPrompt)
	}
	return append(args, i.extraArgs...)
}

// withPromptFile scopes the temp file to fn; it is removed on every path.
func (i *Invoker) withPromptFile(prompt string, fn func(*os.File) error) error {
	file, cleanup, err := i.createPromptFile(prompt)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(file)
}

func (i *Invoker) createPromptFile(prompt string) (*os.File, func(), error) {
	name := filepath.Join(i.tempDir, "prompt-"+uuid.NewString()+".txt")
	file, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("create prompt file: %w", err)
	}
	cleanup := func() {
		_ = file.Close()
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("remove prompt file", "path", name, "error", err)
		}
	}

	if _, err := io.WriteString(file, prompt); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("write prompt file: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("rewind prompt file: %w", err)
	}
	return file, cleanup, nil
}

// failure rewrites process errors into actionable messages. Every
// subprocess failure is recoverable by the other backend.
func (i *Invoker) failure(ctx context.Context, err error, stderr string) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return invoker.Transport(invoker.NameSubprocess, fmt.Errorf("%w: claude CLI did not finish in time", invoker.ErrTimeout))
	case errors.Is(ctx.Err(), context.Canceled):
		return invoker.Transport(invoker.NameSubprocess, ctx.Err())
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return invoker.Transport(invoker.NameSubprocess, fmt.Errorf("claude CLI not found at %q: install it or set CLAUDE_CLI_PATH", i.path))
	}

	detail := summarizeStderr(stderr)
	if credentialWarning(stderr) {
		return invoker.Transport(invoker.NameSubprocess, fmt.Errorf("claude CLI printed a credential warning and produced no answer (often harmless; check `claude` login if it persists): %s", detail))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if detail == "" {
			return invoker.Transport(invoker.NameSubprocess, fmt.Errorf("claude CLI exited with code %d", exitErr.ExitCode()))
		}
		return invoker.Transport(invoker.NameSubprocess, fmt.Errorf("claude CLI exited with code %d: %s", exitErr.ExitCode(), detail))
	}
	return invoker.Transport(invoker.NameSubprocess, fmt.Errorf("run claude CLI: %w", err))
}

func exitedNonZero(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// credentialHints match the warning the CLI prints when its stored login is
// missing or stale.
var credentialHints = []string{
	"invalid api key",
	"please run /login",
	"not logged in",
}

func credentialWarning(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, hint := range credentialHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func summarizeStderr(stderr string) string {
	const limit = 500
	text := strings.TrimSpace(stderr)
	if len(text) > limit {
		text = text[:limit] + "..."
	}
	return text
}

// Package cliproxy adapts a local CLI binary exposing an
// Anthropic-compatible streaming interface into the canonical stream
// event sequence: the child reads a pre-formatted prompt on stdin and
// writes one JSON object per stdout line.
package cliproxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robman/flohub/internal/config"
	"github.com/robman/flohub/internal/stream"
	"github.com/robman/flohub/pkg/models"
)

// DefaultTimeout is the subprocess deadline; the child is killed when
// it elapses.
const DefaultTimeout = 120 * time.Second

// ErrCLIFailed wraps subprocess failures.
var ErrCLIFailed = errors.New("cliproxy: cli provider failed")

// Request is one turn handed to the adapter.
type Request struct {
	System   string
	Messages []models.Message
}

// Adapter runs one configured CLI provider.
type Adapter struct {
	name    string
	command string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

// New builds an adapter from a cli_providers config entry.
func New(name string, cfg config.CLIProvider, opts ...Option) *Adapter {
	a := &Adapter{
		name:    name,
		command: cfg.Command,
		args:    cfg.Args,
		timeout: cfg.Timeout,
		logger:  slog.Default().With("component", "cliproxy", "provider", name),
	}
	if a.timeout <= 0 {
		a.timeout = DefaultTimeout
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// cliLine is one stdout line from the child. Adapters accept either a
// role or a type discriminant.
type cliLine struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (l cliLine) assistant() bool {
	return l.Role == "assistant" || l.Type == "assistant"
}

// Stream runs the child and emits the canonical event sequence built
// from its assistant output. Unparseable stdout lines are skipped.
func (a *Adapter) Stream(ctx context.Context, req Request, emit stream.Handler) error {
	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, a.command, a.args...)
	cmd.Stdin = strings.NewReader(FormatHistory(req.System, req.Messages))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCLIFailed, err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrCLIFailed, a.command, err)
	}

	if err := emit(stream.Event{Type: stream.EventMessageStart}); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}

	nextIndex := 0
	sawToolCall := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var parsed cliLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		if !parsed.assistant() || parsed.Content == "" {
			continue
		}

		leading, calls := ExtractToolCalls(parsed.Content)
		if len(calls) > 0 {
			sawToolCall = true
		}
		if err := a.emitBlocks(emit, &nextIndex, leading, calls); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return err
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %s timed out after %s", ErrCLIFailed, a.command, a.timeout)
	}
	if scanErr != nil {
		return fmt.Errorf("%w: read stdout: %v", ErrCLIFailed, scanErr)
	}
	if waitErr != nil {
		return fmt.Errorf("%w: %s: %v", ErrCLIFailed, a.command, waitErr)
	}

	stopReason := stream.StopEndTurn
	if sawToolCall {
		stopReason = stream.StopToolUse
	}
	if err := emit(stream.Event{Type: stream.EventMessageDelta, StopReason: stopReason}); err != nil {
		return err
	}
	return emit(stream.Event{Type: stream.EventMessageStop})
}

// emitBlocks converts one assistant line into content block events.
func (a *Adapter) emitBlocks(emit stream.Handler, nextIndex *int, text string, calls []ExtractedCall) error {
	if text != "" {
		idx := *nextIndex
		*nextIndex++
		events := []stream.Event{
			{Type: stream.EventContentBlockStart, Index: idx, Block: &stream.BlockInfo{Type: "text"}},
			{Type: stream.EventContentBlockDelta, Index: idx, TextDelta: text},
			{Type: stream.EventContentBlockStop, Index: idx},
		}
		for _, ev := range events {
			if err := emit(ev); err != nil {
				return err
			}
		}
	}

	for _, call := range calls {
		idx := *nextIndex
		*nextIndex++
		events := []stream.Event{
			{
				Type:  stream.EventContentBlockStart,
				Index: idx,
				Block: &stream.BlockInfo{Type: "tool_use", ID: "toolu_" + uuid.NewString(), Name: call.Name},
			},
			{Type: stream.EventContentBlockDelta, Index: idx, PartialJSON: string(call.Input)},
			{Type: stream.EventContentBlockStop, Index: idx},
		}
		for _, ev := range events {
			if err := emit(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

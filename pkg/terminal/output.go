// Package terminal collects shell command output from the bridge into an
// append-only line log, whether the command ran captured or in a visible
// editor terminal.
package terminal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nvollmar/codelink/pkg/bus"
	"github.com/nvollmar/codelink/pkg/client"
	apperrors "github.com/nvollmar/codelink/pkg/errors"
	"github.com/nvollmar/codelink/pkg/logging"
	"github.com/nvollmar/codelink/pkg/protocol"
)

// Kind classifies a terminal line.
type Kind string

const (
	KindInput  Kind = "input"
	KindOutput Kind = "output"
	KindError  Kind = "error"
	KindInfo   Kind = "info"
)

// Line is one entry in the terminal log.
type Line struct {
	Text      string
	Kind      Kind
	Timestamp time.Time
}

// Requester sends correlated requests to the bridge. *client.Client
// satisfies it.
type Requester interface {
	SendRequest(ctx context.Context, msg protocol.Correlated) (*protocol.Response, error)
}

// RunOptions control how a command is executed on the bridge side.
type RunOptions struct {
	Cwd string
	// Visible runs the command in a named editor terminal instead of
	// capturing its output in the response. Output then arrives later as
	// terminal.output / terminal.completed events.
	Visible       bool
	TerminalName  string
	ReuseTerminal bool
}

// Result is the outcome of a captured command run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Log is the append-only terminal line log. Lines are only ever removed
// by an explicit Clear.
type Log struct {
	requester Requester
	log       *logging.Logger

	mu          sync.RWMutex
	lines       []Line
	completions int

	sub bus.Subscription
}

// NewLog creates the log and subscribes it to terminal events on b.
func NewLog(requester Requester, b bus.Broadcaster, logger *logging.Logger) (*Log, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	l := &Log{requester: requester, log: logger}

	sub, err := b.Subscribe(client.SubjectMessage("terminal.*"), l.handleEvent)
	if err != nil {
		return nil, err
	}
	l.sub = sub
	return l, nil
}

// Close stops event handling. Collected lines stay readable.
func (l *Log) Close() {
	if l.sub != nil {
		_ = l.sub.Unsubscribe()
	}
}

// Run executes command on the bridge. Captured runs return the full
// Result and append its output to the log; visible runs return a nil
// Result immediately and the output streams in as events.
func (l *Log) Run(ctx context.Context, command string, opts RunOptions) (*Result, error) {
	if command == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "command is required")
	}
	l.append(Line{Text: command, Kind: KindInput, Timestamp: time.Now()})

	resp, err := l.requester.SendRequest(ctx, protocol.RunShellCommand{
		RequestID:          protocol.NewRequestID(),
		Command:            command,
		Cwd:                opts.Cwd,
		CaptureOutput:      !opts.Visible,
		UseVisibleTerminal: opts.Visible,
		TerminalName:       opts.TerminalName,
		ReuseTerminal:      opts.ReuseTerminal,
	})
	if err != nil {
		l.append(Line{Text: err.Error(), Kind: KindError, Timestamp: time.Now()})
		l.log.Error(logging.CategoryTerminal, "run_failed", err.Error(), map[string]any{"command": command})
		return nil, err
	}

	if opts.Visible {
		// Acknowledgement only; real output follows as events.
		return nil, nil
	}

	result := &Result{ExitCode: payloadInt(resp.Payload, "exitCode")}
	result.Stdout, _ = resp.Payload["stdout"].(string)
	result.Stderr, _ = resp.Payload["stderr"].(string)

	now := time.Now()
	for _, text := range splitLines(result.Stdout) {
		l.append(Line{Text: text, Kind: KindOutput, Timestamp: now})
	}
	for _, text := range splitLines(result.Stderr) {
		l.append(Line{Text: text, Kind: KindError, Timestamp: now})
	}
	l.appendCompletion(exitLine("", result.ExitCode, now))
	return result, nil
}

// Lines returns a copy of the current log.
func (l *Log) Lines() []Line {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Line, len(l.lines))
	copy(out, l.lines)
	return out
}

// Completions reports how many command completions the log has seen,
// whether from captured responses or terminal.completed events.
func (l *Log) Completions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.completions
}

// Clear drops all collected lines. The completion count is unaffected.
func (l *Log) Clear() {
	l.mu.Lock()
	l.lines = nil
	l.mu.Unlock()
}

func (l *Log) handleEvent(msg *bus.Envelope) {
	switch event := msg.Data.(type) {
	case protocol.TerminalOutput:
		kind := KindOutput
		if event.Stream == "stderr" {
			kind = KindError
		}
		l.append(Line{Text: event.Data, Kind: kind, Timestamp: eventTime(event.Timestamp)})
	case protocol.TerminalCompleted:
		l.appendCompletion(exitLine(event.TerminalName, event.ExitCode, eventTime(event.Timestamp)))
	}
}

func (l *Log) append(line Line) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
}

func (l *Log) appendCompletion(line Line) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.completions++
	l.mu.Unlock()
}

// exitLine is the single summary line appended when a command finishes:
// info for exit code zero, error otherwise.
func exitLine(terminalName string, exitCode int, at time.Time) Line {
	kind := KindInfo
	if exitCode != 0 {
		kind = KindError
	}
	text := fmt.Sprintf("command exited with code %d", exitCode)
	if terminalName != "" {
		text = fmt.Sprintf("[%s] %s", terminalName, text)
	}
	return Line{Text: text, Kind: kind, Timestamp: at}
}

func eventTime(millis int64) time.Time {
	if millis <= 0 {
		return time.Now()
	}
	return time.UnixMilli(millis)
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

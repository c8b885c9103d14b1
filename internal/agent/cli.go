package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"
)

const (
	// minCLIVersion is the oldest agent CLI release that supports
	// --output-format stream-json with per-context usage reporting.
	minCLIVersion = "v1.0.0"

	// maxErrorLines caps captured stderr to avoid memory exhaustion from
	// long-running agents.
	maxErrorLines = 1000

	defaultTurnTimeout = 30 * time.Minute
)

// CLIRunner runs turns by spawning the agent CLI as a subprocess and
// parsing its stream-json output line by line.
type CLIRunner struct {
	// Binary is the agent CLI executable name. Defaults to "claude".
	Binary string
	// SkipPermissions passes the CLI flag that bypasses interactive
	// permission prompts, for autonomous operation.
	SkipPermissions bool

	checkOnce sync.Once
	checkErr  error
}

// NewCLIRunner returns a runner for the given binary ("" means "claude").
func NewCLIRunner(binary string) *CLIRunner {
	if binary == "" {
		binary = "claude"
	}
	return &CLIRunner{Binary: binary, SkipPermissions: true}
}

// CheckVersion verifies the agent CLI is installed and recent enough.
// The result is cached, so StartTurn pays the subprocess cost once.
func (r *CLIRunner) CheckVersion(ctx context.Context) error {
	r.checkOnce.Do(func() {
		out, err := exec.CommandContext(ctx, r.Binary, "--version").Output()
		if err != nil {
			r.checkErr = fmt.Errorf("agent CLI %q not available: %w", r.Binary, err)
			return
		}
		version := parseCLIVersion(string(out))
		if version == "" {
			r.checkErr = fmt.Errorf("could not parse agent CLI version from %q", strings.TrimSpace(string(out)))
			return
		}
		if semver.Compare(version, minCLIVersion) < 0 {
			r.checkErr = fmt.Errorf("agent CLI version %s is older than required %s", version, minCLIVersion)
		}
	})
	return r.checkErr
}

// parseCLIVersion extracts a semver string from CLI --version output,
// e.g. "1.2.3 (Claude Code)" -> "v1.2.3".
func parseCLIVersion(out string) string {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) == 0 {
		return ""
	}
	v := fields[0]
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

// StartTurn spawns the CLI and streams its output as events.
func (r *CLIRunner) StartTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if req.Timeout == 0 {
		req.Timeout = defaultTurnTimeout
	}
	if err := r.CheckVersion(ctx); err != nil {
		return nil, err
	}

	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if r.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, req.Prompt)

	// The turn gets its own context so Interrupt can kill the process
	// without cancelling the caller.
	turnCtx, cancel := context.WithTimeout(ctx, req.Timeout)

	cmd := exec.CommandContext(turnCtx, r.Binary, args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	events := make(chan Event, 64)
	go runCLITurn(turnCtx, cancel, cmd, stdout, stderr, events)

	return &Turn{Events: events, interrupt: cancel}, nil
}

// cliMessage mirrors the stream-json wire format emitted by the CLI.
type cliMessage struct {
	Type            string `json:"type"`
	Subtype         string `json:"subtype,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`
	IsError         bool   `json:"is_error,omitempty"`
	Result          string `json:"result,omitempty"`
	Message         *struct {
		Content []struct {
			Type string `json:"type"`
			Name string `json:"name,omitempty"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
		Usage *cliUsage `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	Usage *cliUsage `json:"usage,omitempty"`
}

type cliUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
}

// contextTokens is the cumulative input-side size of the conversation
// context: fresh input plus everything served from or written to cache.
func (u *cliUsage) contextTokens() int64 {
	return u.InputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

func runCLITurn(ctx context.Context, cancel context.CancelFunc, cmd *exec.Cmd, stdout, stderr io.ReadCloser, events chan<- Event) {
	defer cancel()
	defer close(events)

	var (
		mu      sync.Mutex
		errs    []string
		sawDone bool
	)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			var msg cliMessage
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				continue
			}
			for _, ev := range cliEvents(&msg) {
				if ev.Kind == EventResult {
					mu.Lock()
					sawDone = true
					ev.Errors = append(ev.Errors, errs...)
					mu.Unlock()
				}
				events <- ev
			}
		}
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			mu.Lock()
			if len(errs) < maxErrorLines {
				errs = append(errs, scanner.Text())
			}
			mu.Unlock()
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	mu.Lock()
	defer mu.Unlock()
	if sawDone {
		return
	}

	// The process died without a result line. Synthesize one so the
	// consumer always sees a terminal event.
	ev := Event{Kind: EventResult, IsError: true, Errors: errs}
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		ev.ErrorCode = ErrorCodeTimeout
	case ctx.Err() == context.Canceled:
		ev.ErrorCode = ErrorCodeInterrupted
	case waitErr != nil:
		ev.Errors = append(ev.Errors, waitErr.Error())
	}
	events <- ev
}

// cliEvents translates one wire message into zero or more events.
func cliEvents(msg *cliMessage) []Event {
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			return []Event{{Kind: EventTurnStart, SessionID: msg.SessionID}}
		}
	case "assistant":
		if msg.Message == nil {
			return nil
		}
		var out []Event
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "tool_use":
				out = append(out, Event{
					Kind:         EventToolUse,
					Tool:         block.Name,
					ParentTurnID: msg.ParentToolUseID,
				})
			case "text":
				out = append(out, Event{
					Kind:         EventText,
					Text:         block.Text,
					ParentTurnID: msg.ParentToolUseID,
				})
			}
		}
		if u := msg.Message.Usage; u != nil {
			out = append(out, Event{
				Kind:         EventUsage,
				ParentTurnID: msg.ParentToolUseID,
				InputTokens:  u.contextTokens(),
				OutputTokens: u.OutputTokens,
			})
		}
		return out
	case "result":
		ev := Event{Kind: EventResult, IsError: msg.IsError}
		if u := msg.Usage; u != nil {
			ev.InputTokens = u.contextTokens()
			ev.OutputTokens = u.OutputTokens
		}
		if msg.IsError {
			ev.ErrorCode, ev.RetryAfter = classifyResultError(msg.Result)
			if msg.Result != "" {
				ev.Errors = []string{msg.Result}
			}
		}
		return []Event{ev}
	}
	return nil
}

// classifyResultError maps the CLI's error text to an error code. Rate
// limit responses carry a reset hint like "retry after 90s".
func classifyResultError(text string) (code string, retryAfter time.Duration) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return ErrorCodeRateLimited, parseRetryAfter(lower)
	case strings.Contains(lower, "overloaded") || strings.Contains(lower, "529"):
		return ErrorCodeOverloaded, 0
	}
	return "", 0
}

func parseRetryAfter(lower string) time.Duration {
	idx := strings.Index(lower, "retry after ")
	if idx < 0 {
		return 0
	}
	rest := lower[idx+len("retry after "):]
	if cut := strings.IndexAny(rest, " .,)"); cut > 0 {
		rest = rest[:cut]
	}
	d, err := time.ParseDuration(rest)
	if err != nil {
		return 0
	}
	return d
}

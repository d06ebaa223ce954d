package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/app"
	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/pkg/models"
)

// =============================================================================
// Chat Command Handler
// =============================================================================

type chatOptions struct {
	ConfigPath string
	EngineID   string
	Model      string
	System     string

	// Message, when set, runs once and exits instead of starting the
	// REPL.
	Message string
}

// runChat implements the chat command: a local session driven from
// stdin, with the event stream rendered to stdout.
func runChat(ctx context.Context, opts chatOptions) error {
	if err := loadDotenv(); err != nil {
		return err
	}
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}

	// The REPL owns the terminal; background surfaces stay off and the
	// logger only surfaces problems.
	off := false
	cfg.Gateway.Enabled = &off
	cfg.Channels = config.ChannelsConfig{}
	cfg.Schedule.Enabled = false

	logger := observability.NewLogger(observability.LogConfig{
		Level:  "warn",
		Format: "text",
		Output: os.Stderr,
	})

	runtime, err := app.New(ctx, cfg, app.Options{Logger: logger, Version: version})
	if err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		_ = runtime.Stop(stopCtx)
	}()

	session, err := runtime.Sessions().Create(models.SessionConfig{
		EngineID:     opts.EngineID,
		Model:        opts.Model,
		SystemPrompt: opts.System,
		ChannelID:    "cli",
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	loop, err := runtime.Sessions().Loop(session.ID)
	if err != nil {
		return err
	}

	out := os.Stdout
	if opts.Message != "" {
		return runChatTurn(ctx, loop, opts.Message, out)
	}

	fmt.Fprintf(out, "conduit %s — session %s\n", version, session.ID)
	fmt.Fprintln(out, `Type "exit" to leave.`)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := runChatTurn(ctx, loop, line, out); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// runChatTurn runs one message through the loop and renders its event
// stream.
func runChatTurn(ctx context.Context, loop *agent.Loop, message string, out io.Writer) error {
	events, err := loop.Run(ctx, message)
	if err != nil {
		return err
	}
	renderEvents(events, out)
	return nil
}

// renderEvents prints a run's event stream: text as it arrives, tool
// activity one line each, and the terminal outcome.
func renderEvents(events <-chan models.AgentEvent, out io.Writer) {
	streamed := false
	toolStart := map[string]time.Time{}
	for ev := range events {
		switch ev.Type {
		case models.AgentEventText:
			fmt.Fprint(out, ev.Delta)
			streamed = true
		case models.AgentEventToolStart:
			if ev.ToolCall != nil {
				toolStart[ev.ToolCall.ID] = time.Now()
			}
			fmt.Fprintf(out, "\n[%s] running...\n", ev.Tool)
		case models.AgentEventToolEnd:
			elapsed := ""
			if ev.ToolCall != nil {
				if start, ok := toolStart[ev.ToolCall.ID]; ok {
					elapsed = fmt.Sprintf(" (%s)", time.Since(start).Round(time.Millisecond))
				}
			}
			if ev.Result != nil && !ev.Result.Success {
				fmt.Fprintf(out, "[%s] failed%s: %s\n", ev.Tool, elapsed, ev.Result.Error)
			} else {
				fmt.Fprintf(out, "[%s] done%s\n", ev.Tool, elapsed)
			}
		case models.AgentEventToolValidationError:
			fmt.Fprintf(out, "[%s] rejected: %s\n", ev.Tool, strings.Join(ev.Errors, "; "))
		case models.AgentEventVerification:
			if ev.Verification != nil && ev.Verification.Outcome != models.VerificationSuccess {
				fmt.Fprintf(out, "\n(verification %s: %s)\n", ev.Verification.Outcome, ev.Verification.Reasoning)
			}
		case models.AgentEventComplete:
			if !streamed && ev.Answer != "" {
				fmt.Fprint(out, ev.Answer)
			}
			fmt.Fprintln(out)
			if ev.Usage != nil {
				fmt.Fprintf(out, "(%d in / %d out tokens)\n", ev.Usage.InputTokens, ev.Usage.OutputTokens)
			}
		case models.AgentEventError:
			fmt.Fprintf(out, "\nerror: %s\n", ev.Err)
		case models.AgentEventAborted:
			fmt.Fprintln(out, "\n(aborted)")
		}
	}
}

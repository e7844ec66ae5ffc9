package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cellar/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Session string // optional - show a specific session instead of the latest
}

// LogResult holds the stage trace of one session.
type LogResult struct {
	Package   string             `json:"package"`
	SessionID string             `json:"session_id"`
	Events    []store.StageEvent `json:"events"`
	Failed    bool               `json:"failed"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log <package>",
		Short: "Show the stage trace of a package's last run",
		Long: `Show the ordered stage events recorded for a package's most recent
install or test session: which stages started, finished, failed or were
skipped, each build step and each smoke-test check.

Examples:
  cellar log openssl@1.0
  cellar log openssl@1.0 --session 0190a1b2-... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Session, "session", "", "session ID to show (default: latest)")

	return cmd
}

func runLog(opts *LogOptions, name string, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	session := opts.Session
	if session == "" {
		session, err = a.store.LastSession(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			msg := fmt.Sprintf("no recorded sessions for %s", name)
			_ = a.out.Error(ErrCodeNotFound, msg, nil)
			return NewExitError(ExitCommandError, msg)
		}
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read sessions", err)
		}
	}

	events, err := a.store.ReadSessionEvents(ctx, session)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read stage events", err)
	}

	result := LogResult{Package: name, SessionID: session, Events: events}
	for _, ev := range events {
		if ev.Kind == "failed" {
			result.Failed = true
		}
	}

	if a.out.Format == "json" {
		return a.out.WithTrace(session).Success(result)
	}
	writeLog(a.out.Writer, result)
	return nil
}

func writeLog(w io.Writer, result LogResult) {
	fmt.Fprintf(w, "Session %s (%s)\n", result.SessionID, result.Package)
	if len(result.Events) == 0 {
		fmt.Fprintln(w, "  (no events)")
		return
	}
	for _, ev := range result.Events {
		line := fmt.Sprintf("  [%d] %-12s %-8s", ev.Seq, ev.Stage, ev.Kind)
		if ev.Detail != "" {
			line += " " + ev.Detail
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}

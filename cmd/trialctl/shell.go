package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/trialctl/pkg/lifecycle"
)

// Shell messages.
const (
	msgNotRecognized = "Command Not Recognized"
	msgIncomplete    = "Please fill out the command properly."
	msgCreated       = "Trial Created Successfully"
	msgRemoved       = "Trial Removed Successfully"
	msgClosing       = "Closing Program"
	msgCancelling    = "Cancelling current command"
)

// shutdownGrace bounds how long exit waits for a cancelled workflow.
const shutdownGrace = 15 * time.Second

const shellHelp = `Commands:
Clear - No Arguments - Clears the console
Create - 2 Arguments: TrialName, ClientCode - Spins up new VM and Databases using specified name
Delete - 1 Argument: Id - Spins down the specified VM and Databases
List - No Arguments - Lists all Trials
Quit / Exit / QQQ / Ctrl + C - No Arguments - Exits the application
`

// tokenPattern matches bare words and double-quoted phrases.
var tokenPattern = regexp.MustCompile(`\w+|"[\w\s]*"`)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start the interactive trial shell",
	Args:  cobra.NoArgs,
	RunE:  runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

func runShell(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}

	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("Failed to close registry")
		}
	}()

	sh := newShell(a.manager, os.Stdin, os.Stdout)

	sh.info("Application Initializing")

	if err := a.preflight(ctx, os.Stdout); err != nil {
		return err
	}

	sh.info("Application Ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		for range sigCh {
			if sh.interrupt() {
				continue
			}

			cancel()

			return
		}
	}()

	done := make(chan error, 1)

	go func() {
		done <- sh.run(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		sh.warn(msgClosing)

		if !sh.drain(shutdownGrace) {
			log.WithField("grace", shutdownGrace).Warn("Workflow still running at exit")
		}

		return nil
	}
}

// shell is the interactive command loop.
type shell struct {
	manager lifecycle.Manager
	in      *bufio.Scanner
	out     io.Writer

	infoStyle    lipgloss.Style
	successStyle lipgloss.Style
	warnStyle    lipgloss.Style

	mu       sync.Mutex
	inflight context.CancelFunc
	running  chan struct{}
	draining bool
}

func newShell(manager lifecycle.Manager, in io.Reader, out io.Writer) *shell {
	r := lipgloss.NewRenderer(out)

	return &shell{
		manager:      manager,
		in:           bufio.NewScanner(in),
		out:          out,
		infoStyle:    r.NewStyle().Foreground(lipgloss.Color("#87cefa")),
		successStyle: r.NewStyle().Foreground(lipgloss.Color("#90ee90")),
		warnStyle:    r.NewStyle().Foreground(lipgloss.Color("#ffffe0")),
	}
}

// run reads and executes commands until quit, EOF or ctx is done.
func (s *shell) run(ctx context.Context) error {
	for ctx.Err() == nil {
		if !s.in.Scan() {
			return s.in.Err()
		}

		line := strings.TrimSpace(s.in.Text())
		if line == "" {
			continue
		}

		if quit := s.execute(ctx, line); quit {
			s.warn(msgClosing)

			return nil
		}
	}

	return nil
}

// execute runs one command line and reports whether the shell should exit.
func (s *shell) execute(ctx context.Context, line string) bool {
	tokens := tokenize(line)
	if len(tokens) == 0 {
		s.warn(msgNotRecognized)

		return false
	}

	args := tokens[1:]

	switch strings.ToLower(tokens[0]) {
	case "clear":
		fmt.Fprint(s.out, "\033[H\033[2J")
	case "quit", "exit", "qqq":
		return true
	case "help":
		s.info(strings.TrimSuffix(shellHelp, "\n"))
	case "list":
		listing, err := s.manager.ListEnvironments(ctx)
		if err != nil {
			s.warn(err.Error())

			return false
		}

		s.info(strings.TrimSuffix(listing.String(), "\n"))
	case "create":
		if len(args) < 2 {
			s.warn(msgIncomplete)

			return false
		}

		s.report(s.track(ctx, func(ctx context.Context) (*lifecycle.Outcome, error) {
			return s.manager.CreateEnvironment(ctx, args[1], args[0])
		}), msgCreated)
	case "delete":
		if len(args) < 1 {
			s.warn(msgIncomplete)

			return false
		}

		id, err := parseTrialID(args[0])
		if err != nil {
			s.warn(err.Error())

			return false
		}

		s.report(s.track(ctx, func(ctx context.Context) (*lifecycle.Outcome, error) {
			return s.manager.DeleteEnvironment(ctx, id)
		}), msgRemoved)
	default:
		s.warn(msgNotRecognized)
	}

	return false
}

type trackedResult struct {
	outcome *lifecycle.Outcome
	err     error
}

// track runs fn under a context that interrupt can cancel. Once the shell
// is draining no new workflow starts.
func (s *shell) track(
	ctx context.Context,
	fn func(ctx context.Context) (*lifecycle.Outcome, error),
) trackedResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()

		return trackedResult{err: context.Canceled}
	}

	running := make(chan struct{})
	s.inflight = cancel
	s.running = running
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight = nil
		s.running = nil
		s.mu.Unlock()

		close(running)
	}()

	outcome, err := fn(ctx)

	return trackedResult{outcome: outcome, err: err}
}

// drain stops new workflows from starting and waits up to timeout for the
// running one to return. It reports whether the shell is idle.
func (s *shell) drain(timeout time.Duration) bool {
	s.mu.Lock()
	s.draining = true
	running := s.running
	s.mu.Unlock()

	if running == nil {
		return true
	}

	select {
	case <-running:
		return true
	case <-time.After(timeout):
		return false
	}
}

// interrupt cancels the running workflow, if any, and reports whether one
// was running.
func (s *shell) interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight == nil {
		return false
	}

	s.warn(msgCancelling)
	s.inflight()
	s.inflight = nil

	return true
}

func (s *shell) report(res trackedResult, success string) {
	switch {
	case res.outcome != nil && res.outcome.Success:
		if len(res.outcome.Absent) > 0 {
			s.warn("Already gone: " + strings.Join(res.outcome.Absent, ", "))
		}

		s.success(success)
	case errors.Is(res.err, context.Canceled):
		s.warn("Cancelled")
	case res.outcome != nil && res.outcome.Message != "":
		s.warn(res.outcome.Message)
	case res.err != nil:
		s.warn(res.err.Error())
	}
}

func (s *shell) info(msg string)    { s.print(s.infoStyle, msg) }
func (s *shell) success(msg string) { s.print(s.successStyle, msg) }
func (s *shell) warn(msg string)    { s.print(s.warnStyle, msg) }

// print styles msg line by line; lipgloss pads multi-line blocks otherwise.
func (s *shell) print(style lipgloss.Style, msg string) {
	for _, line := range strings.Split(msg, "\n") {
		fmt.Fprintln(s.out, style.Render(line))
	}
}

// tokenize splits a command line into words, keeping double-quoted phrases
// together without their quotes.
func tokenize(line string) []string {
	matches := tokenPattern.FindAllString(line, -1)

	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, strings.ReplaceAll(m, `"`, ""))
	}

	return tokens
}

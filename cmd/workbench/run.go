package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"workbench/internal/action"
	"workbench/internal/chatstream"
	"workbench/internal/config"
	"workbench/internal/diff"
	"workbench/internal/eventhub"
	"workbench/internal/files"
	"workbench/internal/history"
	"workbench/internal/logging"
	"workbench/internal/sandbox"
	"workbench/internal/utils/id"
	"workbench/internal/workbench"
)

type runOptions struct {
	prompt  string
	timeout time.Duration
	diff    bool
}

func newRunCommand(c *cli) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [transcript]",
		Short: "Execute the artifacts of an assistant message",
		Long: "Reads an assistant message from a file, stdin (\"-\" or no argument) or, with --prompt,\n" +
			"from the chat backend, then executes its actions in the configured sandbox.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTranscript(ctx, cfg, args, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.prompt, "prompt", "p", "", "Ask the chat backend instead of reading a transcript")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "Give up waiting for actions after this long")
	cmd.Flags().BoolVar(&opts.diff, "diff", true, "Print the files written by the run")
	return cmd
}

func runTranscript(ctx context.Context, cfg config.Config, args []string, opts runOptions, stdin io.Reader, out io.Writer) error {
	logger := logging.NewComponentLogger("cli")
	sb, err := openSandbox(ctx, cfg, logger)
	if err != nil {
		return err
	}

	hub := eventhub.New()
	events, unsubscribe := hub.Subscribe(cfg.Server.EventBuffer)
	defer unsubscribe()
	coord := workbench.New(workbench.Config{
		Sandbox:      sb,
		Hub:          hub,
		Logger:       logging.NewComponentLogger("workbench"),
		StartupGrace: cfg.Runner.StartupGrace,
		Env:          cfg.Runner.Env,
	})
	defer coord.Close()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(out, events)
	}()

	source, err := openSource(ctx, cfg, args, opts.prompt, stdin)
	if err != nil {
		return err
	}
	defer source.Close()

	messageID := id.NewMessageID()
	var prose proseCollector
	feeder := teeFeeder{coord.Parser(messageID), prose.parser(messageID)}
	if _, err := chatstream.Pump(ctx, source, feeder); err != nil {
		return fmt.Errorf("read message: %w", err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := coord.Drain(drainCtx); err != nil {
		aborted := coord.AbortAllActions()
		fmt.Fprintln(out, yellow(fmt.Sprintf("Aborted %d action(s): %v", aborted, err)))
	}
	unsubscribe()
	<-printed

	if text := prose.String(); text != "" {
		fmt.Fprint(out, renderMarkdown(text, isTerminal(out) && !color.NoColor))
	}
	failed := summarize(out, coord, messageID)
	if opts.diff {
		printModifications(out, coord.FileModifications())
	}
	if failed > 0 {
		return &exitCodeError{code: 1}
	}
	return nil
}

func openSandbox(ctx context.Context, cfg config.Config, logger logging.Logger) (sandbox.Sandbox, error) {
	switch cfg.Sandbox.Mode {
	case config.SandboxRemote:
		remote, err := sandbox.NewRemote(sandbox.RemoteConfig{
			BaseURL: cfg.Sandbox.BaseURL,
			Workdir: cfg.Sandbox.Workdir,
			Timeout: cfg.Sandbox.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		if err := remote.WaitReady(ctx); err != nil {
			return nil, fmt.Errorf("sandbox not reachable: %w", err)
		}
		return remote, nil
	default:
		shell := strings.Fields(cfg.Sandbox.Shell)
		if len(shell) > 0 {
			shell = append(shell, "-c")
		}
		return sandbox.NewLocal(cfg.Sandbox.Workdir, sandbox.WithShell(shell...), sandbox.WithLogger(logger))
	}
}

func openSource(ctx context.Context, cfg config.Config, args []string, prompt string, stdin io.Reader) (io.ReadCloser, error) {
	if prompt != "" {
		client := chatstream.NewClient(chatstream.ClientConfig{URL: cfg.Chat.URL, SSE: cfg.Chat.SSE})
		return client.Stream(ctx, []history.Message{{Role: "user", Content: prompt}})
	}
	if len(args) == 0 || args[0] == "-" {
		return io.NopCloser(stdin), nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	return f, nil
}

func printEvents(out io.Writer, events <-chan eventhub.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case eventhub.ArtifactUpdate:
			if !e.Closed {
				fmt.Fprintf(out, "%s %s\n", bold("▶"), bold(e.Title))
			}
		case eventhub.ActionUpdate:
			fmt.Fprintf(out, "  %s %s\n", statusLabel(e.State.Status), describe(e.State))
		}
	}
}

func statusLabel(status action.Status) string {
	label := fmt.Sprintf("%-8s", status)
	switch status {
	case action.StatusComplete:
		return green(label)
	case action.StatusFailed:
		return red(label)
	case action.StatusAborted:
		return yellow(label)
	case action.StatusRunning:
		return blue(label)
	default:
		return gray(label)
	}
}

func describe(st action.State) string {
	if st.Action == nil {
		return st.ID
	}
	return action.Describe(st.Action)
}

// summarize prints the final status of every action and returns how many
// failed.
func summarize(out io.Writer, coord *workbench.Coordinator, messageID string) int {
	failed := 0
	for _, art := range coord.Artifacts() {
		if art.MessageID != messageID {
			continue
		}
		states, err := coord.Actions(art.MessageID)
		if err != nil {
			continue
		}
		counts := map[action.Status]int{}
		for _, st := range states {
			counts[st.Status]++
			if st.Status == action.StatusFailed {
				failed++
				fmt.Fprintf(out, "%s %s\n", red("✗"), st.Error)
			}
		}
		fmt.Fprintf(out, "%s %s: %d complete, %d failed, %d aborted\n",
			bold("■"), art.Title, counts[action.StatusComplete], counts[action.StatusFailed], counts[action.StatusAborted])
	}
	return failed
}

func printModifications(out io.Writer, mods map[string]files.Modification) {
	if len(mods) == 0 {
		return
	}
	paths := make([]string, 0, len(mods))
	for p := range mods {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	gen := diff.NewGenerator(!color.NoColor)
	for _, p := range paths {
		mod := mods[p]
		if mod.Type == "diff" {
			fmt.Fprint(out, mod.Content)
			continue
		}
		result := gen.Unified(p, "", mod.Content)
		fmt.Fprintf(out, "%s %s\n", bold(p), green(result.Summary()))
	}
}

// Command boardctl is a terminal peer of the board API: it prints a board,
// moves tasks and watches for changes made by other peers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"taskboard/api/internal/board"
	"taskboard/api/internal/client"
	"taskboard/api/internal/config"
	"taskboard/api/internal/events"
	"taskboard/api/internal/poller"
)

const usage = `usage: boardctl <command> [flags]

commands:
  board   print the board of a project
  move    move a task above another task, or to the bottom of a section
  watch   print the board whenever another peer changes it
`

type common struct {
	apiURL  string
	user    string
	project string
	config  string
	verbose bool
}

func (c *common) register(fs *pflag.FlagSet) {
	fs.StringVar(&c.apiURL, "api", envOr("TASKBOARD_API_URL", "http://localhost:8787"), "board API base URL")
	fs.StringVarP(&c.user, "user", "u", os.Getenv("USER"), "display name to log in as")
	fs.StringVarP(&c.project, "project", "p", "", "project id")
	fs.StringVar(&c.config, "config", os.Getenv("TASKBOARD_CONFIG"), "path to a YAML config file")
	fs.BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")
}

func (c *common) connect(ctx context.Context) (*client.Client, error) {
	if c.project == "" {
		return nil, errors.New("--project is required")
	}
	api := client.New(c.apiURL, nil)
	if err := api.Login(ctx, c.user); err != nil {
		return nil, fmt.Errorf("login as %q: %w", c.user, err)
	}
	return api, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "board":
		err = runBoard(ctx, os.Args[2:], os.Stdout)
	case "move":
		err = runMove(ctx, os.Args[2:], os.Stdout)
	case "watch":
		err = runWatch(ctx, os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "boardctl: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func runBoard(ctx context.Context, args []string, out io.Writer) error {
	var opts common
	fs := pflag.NewFlagSet("board", pflag.ContinueOnError)
	opts.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(opts.verbose)

	api, err := opts.connect(ctx)
	if err != nil {
		return err
	}
	snapshot, err := api.Board(ctx, opts.project)
	if err != nil {
		return err
	}
	printBoard(out, snapshot)
	return nil
}

func runMove(ctx context.Context, args []string, out io.Writer) error {
	var opts common
	var taskID, sectionID, belowID string
	fs := pflag.NewFlagSet("move", pflag.ContinueOnError)
	opts.register(fs)
	fs.StringVarP(&taskID, "task", "t", "", "task to move")
	fs.StringVarP(&sectionID, "section", "s", "", "destination section id")
	fs.StringVarP(&belowID, "below", "b", "", "task that should end up directly below the moved one; empty for the bottom")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(opts.verbose)
	if taskID == "" || sectionID == "" {
		return errors.New("--task and --section are required")
	}

	api, err := opts.connect(ctx)
	if err != nil {
		return err
	}
	b := board.New(api, opts.project, nil)
	if err := b.BeginDrag(taskID); err != nil {
		return err
	}
	result, err := b.Drop(ctx, sectionID, belowID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "moved %s to %s at rank %s", result.TaskID, result.SectionID, result.Rank)
	if len(result.Rebalanced) > 0 {
		fmt.Fprintf(out, " (rebalanced %d tasks)", len(result.Rebalanced))
	}
	fmt.Fprintln(out)
	printBoard(out, b.Snapshot())
	return nil
}

func runWatch(ctx context.Context, args []string, out io.Writer) error {
	var opts common
	var clientID string
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	opts.register(fs)
	fs.StringVar(&clientID, "client-id", "", "cursor name on the change feed; defaults to the user id")
	interval := fs.Duration("interval", 0, "poll interval (default from config)")
	timeout := fs.Duration("timeout", 0, "per-poll timeout (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(opts.verbose)

	cfg, err := config.LoadFile(opts.config)
	if err != nil {
		return err
	}
	if *interval > 0 {
		cfg.Poll.Interval = *interval
	}
	if *timeout > 0 {
		cfg.Poll.Timeout = *timeout
	}

	api, err := opts.connect(ctx)
	if err != nil {
		return err
	}
	b := board.New(api, opts.project, nil)
	if err := b.Refresh(ctx); err != nil {
		return err
	}
	printBoard(out, b.Snapshot())

	p := poller.New(api, poller.Options{
		ProjectID:        opts.project,
		ClientID:         clientID,
		Interval:         cfg.Poll.Interval,
		Timeout:          cfg.Poll.Timeout,
		FailureThreshold: cfg.Poll.FailureThreshold,
		OnChange: func(event events.ChangeEvent) {
			if err := b.HandleChange(ctx, event); err != nil {
				slog.Warn("refetch failed", "error", err)
				return
			}
			fmt.Fprintf(out, "\n%s %s\n", event.Kind, event.TaskID)
			printBoard(out, b.Snapshot())
		},
		OnPersistentFailure: func(consecutive int, err error) {
			fmt.Fprintf(os.Stderr, "boardctl: change feed unreachable after %d attempts: %v\n", consecutive, err)
		},
	})
	return p.Run(ctx)
}

func printBoard(out io.Writer, snapshot client.Board) {
	fmt.Fprintf(out, "%s (%s)\n", snapshot.Project.Name, snapshot.Project.ID)
	for _, section := range snapshot.Sections {
		fmt.Fprintf(out, "  %s [%s]\n", section.Name, section.ID)
		for _, task := range section.Tasks {
			fmt.Fprintf(out, "    %-8s %s  %s\n", task.Rank, task.ID, task.Title)
		}
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

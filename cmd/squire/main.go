// Command squire is a local task runner. Tasks go into a SQLite-backed list;
// a supervisor executes them one at a time in a sandboxed worker subprocess
// that streams JSON update envelopes back over stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/squire/internal/agent"
	"github.com/mattjoyce/squire/internal/api"
	"github.com/mattjoyce/squire/internal/config"
	"github.com/mattjoyce/squire/internal/events"
	"github.com/mattjoyce/squire/internal/lock"
	"github.com/mattjoyce/squire/internal/log"
	"github.com/mattjoyce/squire/internal/router"
	"github.com/mattjoyce/squire/internal/runner"
	"github.com/mattjoyce/squire/internal/storage"
	"github.com/mattjoyce/squire/internal/supervisor"
	"github.com/mattjoyce/squire/internal/task"
	"github.com/mattjoyce/squire/internal/tui/watch"
	"github.com/mattjoyce/squire/internal/worker"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "task":
		os.Exit(runTaskNoun(args))
	case "run":
		os.Exit(runRun(args))
	case "serve":
		os.Exit(runServe(args))
	case "watch":
		os.Exit(runWatch(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "worker":
		// Hidden subcommand, spawned by the supervisor.
		os.Exit(runWorker(args))
	case "version", "--version", "-v":
		fmt.Printf("squire %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`squire - local task runner with supervised agent workers

Usage:
  squire task add <description>     Add a task to the list
  squire task list [--status s]     List tasks
  squire task done <id>             Mark a task done by hand
  squire task rm <id>               Remove a task and its run history
  squire run [id | description]     Run a task now (default: oldest pending)
  squire serve                      Run the supervisor loop and HTTP API
  squire watch                      Live dashboard over the HTTP API
  squire config lock                Write the config integrity manifest
  squire config check               Verify config against its manifest
  squire version                    Print version
  squire help                       Show this help

Global flags (per command):
  --config <path>                   Config file (default: squire.yaml if present)

`)
}

// defaultConfigPath returns squire.yaml when it exists next to the caller,
// otherwise empty, which means built-in defaults.
func defaultConfigPath() string {
	if _, err := os.Stat("squire.yaml"); err == nil {
		return "squire.yaml"
	}
	return ""
}

// loadConfig resolves and loads the config. The resolved path is returned so
// spawned workers can be pointed at the same file; an auto-discovered
// squire.yaml must reach the worker exactly like an explicit --config.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.LoadOrDefaults(path)
	if err != nil {
		return nil, "", err
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	return cfg, path, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*task.Store, func(), error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, err
	}
	return task.NewStore(db), func() { _ = db.Close() }, nil
}

func lockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.State.Path), "squire.pid")
}

// supervisorConfig maps the runner section onto the supervisor, wiring the
// worker command to re-exec this binary with the same config file.
func supervisorConfig(cfg *config.Config, configPath string) supervisor.Config {
	sc := supervisor.Config{
		Ceiling:       cfg.Runner.Ceiling,
		PollInterval:  cfg.Runner.PollInterval,
		GracePeriod:   cfg.Runner.GracePeriod,
		WorkerCommand: cfg.Runner.WorkerCommand,
	}
	if len(sc.WorkerCommand) == 0 && configPath != "" {
		if exe, err := os.Executable(); err == nil {
			sc.WorkerCommand = []string{exe, "worker", "--config", configPath}
		}
	}
	return sc
}

func runTaskNoun(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: squire task <add|list|done|rm> ...")
		return 1
	}
	action := args[0]
	rest := args[1:]

	switch action {
	case "add":
		return runTaskAdd(rest)
	case "list":
		return runTaskList(rest)
	case "done":
		return runTaskDone(rest)
	case "rm":
		return runTaskRemove(rest)
	default:
		fmt.Fprintf(os.Stderr, "Unknown task action: %s\n", action)
		return 1
	}
}

func runTaskAdd(args []string) int {
	fs := flag.NewFlagSet("task add", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: squire task add <description>")
		return 1
	}
	description := strings.Join(fs.Args(), " ")

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	id, err := store.Add(ctx, description)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Added task %s\n", id)
	return 0
}

func runTaskList(args []string) int {
	fs := flag.NewFlagSet("task list", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	status := fs.String("status", "", "filter by status (pending|running|done|failed)")
	_ = fs.Parse(args)

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	tasks, err := store.List(ctx, task.Status(*status))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return 0
	}
	for _, t := range tasks {
		fmt.Printf("%-36s  %-8s  %s\n", t.ID, t.Status, t.Description)
	}
	return 0
}

func runTaskDone(args []string) int {
	fs := flag.NewFlagSet("task done", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: squire task done <id>")
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	if err := store.MarkDone(ctx, fs.Arg(0), ""); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println("Done.")
	return 0
}

func runTaskRemove(args []string) int {
	fs := flag.NewFlagSet("task rm", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: squire task rm <id>")
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	if err := store.Remove(ctx, fs.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println("Removed.")
	return 0
}

// runRun executes a single task in the foreground and prints its updates.
// The positional argument is a task id, or a description of a new task to
// add and run in one go; with neither, the oldest pending task runs.
func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	id := fs.String("id", "", "task id to run (default: oldest pending)")
	_ = fs.Parse(args)

	cfg, cfgPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	pl, err := lock.Acquire(lockPath(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer pl.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	t, err := pickTask(ctx, store, *id, fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if t == nil {
		fmt.Println("No pending tasks.")
		return 0
	}

	hub := events.NewHub(256)
	printUpdates(ctx, hub)

	r := runner.New(store, supervisorConfig(cfg, cfgPath), hub, log.WithComponent("runner"))

	fmt.Printf("Running %s: %s\n", t.ID, t.Description)
	res := r.RunTask(ctx, t)

	switch res.Outcome {
	case supervisor.OutcomeCompleted:
		fmt.Printf("Completed in %s.\n", res.Duration.Round(time.Millisecond))
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Run %s: %s\n", res.Outcome, res.Err)
		return 1
	}
}

func pickTask(ctx context.Context, store *task.Store, id string, words []string) (*task.Task, error) {
	if id != "" {
		return store.Get(ctx, id)
	}
	if len(words) > 0 {
		// One word that names an existing task runs it; anything else is a
		// new task's description.
		if len(words) == 1 {
			if t, err := store.Get(ctx, words[0]); err == nil {
				return t, nil
			}
		}
		newID, err := store.Add(ctx, strings.Join(words, " "))
		if err != nil {
			return nil, err
		}
		return store.Get(ctx, newID)
	}
	pending, err := store.List(ctx, task.StatusPending)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	return pending[len(pending)-1], nil
}

// printUpdates mirrors run events onto stdout for the foreground run command.
func printUpdates(ctx context.Context, hub *events.Hub) {
	ch, cancel := hub.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Type != events.RunUpdate {
					continue
				}
				var u events.RunUpdateData
				if err := json.Unmarshal(ev.Data, &u); err != nil {
					continue
				}
				if u.Kind == string(router.KindStatus) && u.Message == "" {
					continue
				}
				fmt.Printf("  [%s] %s\n", u.Kind, u.Message)
			}
		}
	}()
}

// runServe runs the supervisor loop plus the HTTP API until interrupted.
func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	cfg, cfgPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	pl, err := lock.Acquire(lockPath(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer pl.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	hub := events.NewHub(256)

	r := runner.New(store, supervisorConfig(cfg, cfgPath), hub, log.WithComponent("runner"))

	errCh := make(chan error, 2)
	go func() { errCh <- r.Start(ctx) }()

	if cfg.API.Enabled {
		srv := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey},
			store, hub, log.WithComponent("api"))
		go func() { errCh <- srv.Start(ctx) }()
	}

	log.Info("squire serving", "version", version, "api", cfg.API.Enabled)

	err = <-errCh
	if err != nil && err != context.Canceled {
		log.Error("serve stopped", "error", err)
		return 1
	}
	log.Info("shutdown complete")
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !cfg.API.Enabled {
		fmt.Fprintln(os.Stderr, "Error: watch needs the API; set api.enabled in the config")
		return 1
	}

	m := watch.New("http://"+cfg.API.Listen, cfg.API.APIKey)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: squire config <lock|check> [--config path]")
		return 1
	}
	action := args[0]

	fs := flag.NewFlagSet("config "+action, flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args[1:])

	path := *configPath
	if path == "" {
		path = defaultConfigPath()
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "Error: no config file found; pass --config")
		return 1
	}

	switch action {
	case "lock":
		if _, err := config.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		manifest, err := config.WriteLock(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("Locked %s (%s)\n", path, manifest.Hash[:12])
		return 0
	case "check":
		if _, err := config.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if err := config.CheckLock(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("%s matches its manifest.\n", path)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

// runWorker is the supervisor-spawned entrypoint. It must never write
// anything but envelopes to stdout; logs go to stderr.
func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.LoadOrDefaults(*configPath)
	if err != nil {
		// Fall back to defaults; the run still has to end with a terminal
		// envelope, which worker.Run guarantees.
		cfg = config.Defaults()
	}

	logger := log.New(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat).
		With("component", "worker")

	tools := agent.NewToolbox(agent.Policy{
		WorkDir:       cfg.Agent.WorkDir,
		AllowShell:    cfg.Agent.AllowShell,
		ShellTimeout:  cfg.Agent.ShellTimeout,
		MaxToolOutput: cfg.Agent.MaxToolOutput,
	})

	return worker.Run(fs.Args(), worker.Options{
		Out:               os.Stdout,
		Agent:             agent.NewRuleAgent(tools, cfg.Agent.MaxSteps, logger),
		Logger:            logger,
		HeartbeatInterval: cfg.Runner.HeartbeatInterval,
	})
}

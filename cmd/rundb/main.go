// Package main is the rundb maintenance command.
//
// rundb stores machine-learning experiment metadata (experiments, runs,
// metrics, artifacts, registered models) as JSONL tables and content-
// addressed blobs under one data directory. The subcommands initialize and
// seed a directory, export summaries, and run maintenance passes over it.
// Configuration comes from CLI flags, the RUNDB_DATA_DIR environment
// variable, and a .env file inside the data directory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/invopop/jsonschema"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/mlstack/rundb/internal/manifest"
	"github.com/mlstack/rundb/internal/registry"
	"github.com/mlstack/rundb/internal/store"
	"github.com/mlstack/rundb/internal/tracking"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "rundb: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: rundb [flags] <command> [command flags]

Commands:
  init      create the store layout; -manifest seed.yml applies a YAML seed
  summary   print an aggregated experiment/model report as JSON
  gc        remove orphan blobs and stale temp files; -dry-run to preview
  verify    re-hash every referenced blob and report problems
  history   list audit journal entries; -n limit, -path filter
  schema    print the JSON Schema of the persisted record types
  watch     run a command, restarting it when its executable changes
  version   print build information

Flags:
`)
	flag.PrintDefaults()
}

func mainImpl() error {
	dataDir := flag.String("data-dir", "./rundb-data", "Data directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Drop time when running under systemd.
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			val := a.Value.Any()
			skip := false
			switch t := val.(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case uint64:
				skip = t == 0
			case int64:
				skip = t == 0
			case float64:
				skip = t == 0
			case time.Time:
				skip = t.IsZero()
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	// Flags win over the environment, the environment over .env.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	if !set["data-dir"] {
		if v := os.Getenv("RUNDB_DATA_DIR"); v != "" {
			*dataDir = v
		}
	}
	env, err := loadDotEnv(*dataDir)
	if err != nil {
		return err
	}
	if !set["log-level"] {
		if v := env["LOG_LEVEL"]; v != "" {
			*logLevel = v
		}
	}

	switch *logLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", *logLevel)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "init":
		return cmdInit(ctx, *dataDir, rest)
	case "summary":
		return cmdSummary(ctx, *dataDir, rest)
	case "gc":
		return cmdGC(ctx, *dataDir, rest)
	case "verify":
		return cmdVerify(ctx, *dataDir, rest)
	case "history":
		return cmdHistory(ctx, *dataDir, rest)
	case "schema":
		return cmdSchema(rest)
	case "watch":
		return cmdWatch(ctx, *dataDir, rest)
	case "version":
		printVersion()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command: %q", cmd)
	}
}

func openStore(dataDir string) (*store.Store, *registry.Registry, error) {
	st, err := store.Open(dataDir)
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.Open(st)
	if err != nil {
		return nil, nil, err
	}
	return st, reg, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Printf("%s\n", data)
	return err
}

func cmdInit(ctx context.Context, dataDir string, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	manifestPath := fs.String("manifest", "", "YAML seed manifest to apply")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}
	st, reg, err := openStore(dataDir)
	if err != nil {
		return err
	}
	if *manifestPath != "" {
		m, err := manifest.Parse(*manifestPath)
		if err != nil {
			return err
		}
		res, err := m.Apply(ctx, st, reg)
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "Seed manifest applied",
			"experiments", res.ExperimentsCreated, "models", res.ModelsRegistered,
			"versions", res.VersionsSeeded)
	}
	slog.InfoContext(ctx, "Store initialized", "dir", dataDir)
	return nil
}

func cmdSummary(ctx context.Context, dataDir string, args []string) error {
	fs := flag.NewFlagSet("summary", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, reg, err := openStore(dataDir)
	if err != nil {
		return err
	}
	client := tracking.NewClient(st, reg)
	defer client.Close()
	s, err := client.Summary(ctx)
	if err != nil {
		return err
	}
	return printJSON(s)
}

func cmdGC(ctx context.Context, dataDir string, args []string) error {
	fs := flag.NewFlagSet("gc", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "Report what would be removed without removing it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, _, err := openStore(dataDir)
	if err != nil {
		return err
	}
	res, err := st.GC(ctx, *dryRun)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func cmdVerify(ctx context.Context, dataDir string, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, _, err := openStore(dataDir)
	if err != nil {
		return err
	}
	res, err := st.Verify(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("verification found %d problems", len(res.Problems))
	}
	return nil
}

func cmdHistory(ctx context.Context, dataDir string, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	n := fs.Int("n", 20, "Maximum entries to list")
	path := fs.String("path", "", "Only entries touching this path (relative to the data directory)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, _, err := openStore(dataDir)
	if err != nil {
		return err
	}
	j := st.Journal()
	if j == nil {
		return errors.New("audit journal is disabled; enable audit.enabled in rundb_config.json")
	}
	entries, err := j.History(ctx, *path, *n)
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func cmdSchema(args []string) error {
	fs := flag.NewFlagSet("schema", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schemas := map[string]*jsonschema.Schema{
		"experiment":    r.Reflect(&store.Experiment{}),
		"run":           r.Reflect(&store.Run{}),
		"artifact":      r.Reflect(&store.Artifact{}),
		"model":         r.Reflect(&registry.Model{}),
		"model_version": r.Reflect(&registry.Version{}),
	}
	return printJSON(schemas)
}

// cmdWatch runs a command and restarts it whenever its executable changes,
// so a rebuilt training script picks up immediately. The child inherits
// RUNDB_DATA_DIR pointing at the selected data directory.
func cmdWatch(ctx context.Context, dataDir string, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	argv := fs.Args()
	if len(argv) == 0 {
		return errors.New("watch: command required")
	}
	exe, err := exec.LookPath(argv[0])
	if err != nil {
		return err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(exe); err != nil {
		return err
	}
	for {
		if err := watchOnce(ctx, w, exe, argv[1:], dataDir); err != nil {
			return err
		}
		// Let the writer finish before picking the new binary up.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// watchOnce starts the command and blocks until the watched executable is
// modified (returns nil, caller restarts) or ctx is canceled.
func watchOnce(ctx context.Context, w *fsnotify.Watcher, exe string, args []string, dataDir string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmd := exec.CommandContext(runCtx, exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	cmd.Env = append(os.Environ(), "RUNDB_DATA_DIR="+dataDir)
	slog.InfoContext(ctx, "Starting command", "exe", exe)
	if err := cmd.Start(); err != nil {
		return err
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	running := true
	for {
		select {
		case <-ctx.Done():
			cancel()
			if running {
				<-exited
			}
			return ctx.Err()
		case err := <-exited:
			running = false
			if err != nil {
				slog.WarnContext(ctx, "Command exited", "err", err)
			} else {
				slog.InfoContext(ctx, "Command exited")
			}
		case event, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Chmod) {
				continue
			}
			slog.InfoContext(ctx, "Executable modified, restarting")
			cancel()
			if running {
				<-exited
			}
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			slog.WarnContext(ctx, "Error watching executable", "err", err)
		}
	}
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("rundb %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}

func loadDotEnv(dataDir string) (map[string]string, error) {
	env := make(map[string]string)
	path := filepath.Join(dataDir, ".env")
	envContent, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from dataDir flag, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return env, nil
		}
		return nil, err
	}

	for line := range strings.SplitSeq(string(envContent), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])

		if strings.HasPrefix(val, "'") || strings.HasSuffix(val, "'") {
			if strings.HasPrefix(val, "'") && strings.HasSuffix(val, "'") {
				return nil, fmt.Errorf("single quotes are not supported for wrapping in .env: %s", line)
			}
			return nil, fmt.Errorf("unbalanced single quotes in .env: %s", line)
		}

		if strings.HasPrefix(val, "\"") {
			unquoted, err := strconv.Unquote(val)
			if err != nil {
				return nil, fmt.Errorf("failed to unquote %s: %w", key, err)
			}
			val = unquoted
		}

		env[key] = val
	}
	return env, nil
}

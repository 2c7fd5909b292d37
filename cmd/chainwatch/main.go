// Command chainwatch runs a chain of commands every time files in a
// directory tree change, and optionally keeps a server running that is only
// restarted once the whole chain has passed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	watchDirectory string
	configFile     string
	serverCommand  string
	debounce       time.Duration
	killTimeout    time.Duration
	ignorePatterns []string
	noGitignore    bool
	backend        string
	shell          string
	usePTY         bool
	historyDB      string
	schedule       string
	runOnStart     bool
	okStr          string
	verbose        bool
	historyLimit   int
)

// abortCtx is cancelled by a second interrupt.
var abortCtx = context.Background()

var rootCmd = &cobra.Command{
	Use:   "chainwatch [flags] <command>...",
	Short: "run a chain of commands on file changes and restart a server when it passes",
	Long: `chainwatch watches a directory tree and, after every burst of changes, runs the
given commands one after another. The chain stops at the first command that
fails. When a server command is given, the server is (re)started only after
the whole chain passed, so a broken build never takes down a working server.

Files matched by .gitignore/.ignore files in the tree, by --ignore globs and
version control directories never trigger a run.

  chainwatch "go vet ./..." "go test ./..." --server "go run ./cmd/api"

Settings can also live in .chainwatch.toml or .chainwatch.yaml in the watched
directory:

  commands = ["go vet ./...", "go test ./..."]
  server = "go run ./cmd/api"
  debounce_ms = 200
  ignore = ["**/*.log", "tmp"]
  history_db = ".chainwatch/history.db"

Interrupt once to stop after the current command; twice to abort it.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runWatch,
}

var historyCmd = &cobra.Command{
	Use:           "history",
	Short:         "list recent passes recorded in the history database",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runHistory,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&serverCommand, "server", "", "long-running command restarted after every passing chain")
	flags.DurationVar(&debounce, "debounce", defaultDebounce, "quiet period after the last change before running")
	flags.DurationVar(&killTimeout, "kill-timeout", defaultKillTimeout, "grace period between SIGTERM and SIGKILL")
	flags.StringArrayVar(&ignorePatterns, "ignore", nil, "glob of paths to ignore, relative to the watch directory (repeatable)")
	flags.BoolVar(&noGitignore, "no-gitignore", false, "do not read .gitignore/.ignore files")
	flags.StringVar(&backend, "backend", "", "event backend: fsnotify or notify")
	flags.StringVar(&shell, "shell", "", "command shell: system or builtin")
	flags.BoolVar(&usePTY, "pty", false, "run the server on a pseudo-terminal")
	flags.StringVar(&schedule, "schedule", "", "cron expression for additional scheduled runs")
	flags.BoolVar(&runOnStart, "run-on-start", true, "run the chain once at startup")
	flags.StringVar(&okStr, "ok-str", "", "marker for passing runs in the status strip")

	persistent := rootCmd.PersistentFlags()
	persistent.StringVarP(&watchDirectory, "watch-dir", "d", "", "directory to watch. defaults to working directory")
	persistent.StringVarP(&configFile, "config", "c", "", "path to config file to load")
	persistent.StringVar(&historyDB, "history-db", "", "sqlite file to record passes in")
	persistent.BoolVarP(&verbose, "verbose", "v", false, "adds extra output")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of passes to list")
	rootCmd.AddCommand(historyCmd)
}

func main() {
	ctx, abort := interruptContexts()
	abortCtx = abort

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logError("%v", err)
		os.Exit(1)
	}
}

// interruptContexts returns a context cancelled by the first SIGINT/SIGTERM
// and one cancelled by the second.
func interruptContexts() (context.Context, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	abort, cancelAbort := context.WithCancel(context.Background())

	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalCh
		logInfo("received %s, shutting down", sig)
		cancel()
		sig = <-signalCh
		logWarn("received %s again, aborting the running command", sig)
		cancelAbort()
	}()

	return ctx, abort
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadWatchConfig(cmd, args)
	if err != nil {
		return err
	}
	setVerbose(cfg.Verbose)
	if cfg.ConfigPath != "" {
		logDebug("loaded config %s", cfg.ConfigPath)
	}

	daemon := NewDaemon(cfg, os.Stdout, os.Stderr, abortCtx)
	return daemon.Run(cmd.Context())
}

func runHistory(cmd *cobra.Command, args []string) error {
	setVerbose(verbose)

	cwd, raw, configPath, err := loadRawConfig(cmd)
	if err != nil {
		return err
	}

	root := cwd
	if str, ok := valueToString(raw.WatchDir); ok && str != "" {
		if root, err = resolvePath(str, cwd); err != nil {
			return fmt.Errorf("watch_dir: %w", err)
		}
	}
	if raw.HistoryDB == "" {
		return fmt.Errorf("no history database configured; pass --history-db or set history_db in %s", describeConfig(configPath))
	}
	path, err := resolvePath(raw.HistoryDB, root)
	if err != nil {
		return fmt.Errorf("history_db: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("history database: %w", err)
	}

	store, err := openHistory(path)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Recent(historyLimit)
	if err != nil {
		return err
	}
	marker := raw.OkStr
	if marker == "" {
		marker = defaultOkStr
	}
	printHistory(cmd.OutOrStdout(), records, marker)
	return nil
}

func loadWatchConfig(cmd *cobra.Command, args []string) (WatchConfig, error) {
	cwd, raw, configPath, err := loadRawConfig(cmd)
	if err != nil {
		return WatchConfig{}, err
	}

	top := flagConfig(cmd)
	if len(args) > 0 {
		commands := make([]any, 0, len(args))
		for _, arg := range args {
			commands = append(commands, arg)
		}
		top.Commands = commands
	}
	raw = overlayConfig(raw, top)

	cfg, err := normalizeConfig(raw, cwd, configPath)
	if err != nil {
		return WatchConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadRawConfig reads the config file, if any, with the persistent flags
// applied on top.
func loadRawConfig(cmd *cobra.Command) (string, rawConfig, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", rawConfig{}, "", fmt.Errorf("failed to get working directory: %w", err)
	}

	lookupDir := cwd
	if watchDirectory != "" {
		if lookupDir, err = resolvePath(watchDirectory, cwd); err != nil {
			return "", rawConfig{}, "", fmt.Errorf("watch-dir: %w", err)
		}
	}

	configPath, err := findConfigFile(configFile, lookupDir)
	if err != nil {
		return "", rawConfig{}, "", err
	}

	var raw rawConfig
	if configPath != "" {
		if raw, err = readConfig(configPath); err != nil {
			return "", rawConfig{}, "", err
		}
	}

	persistent := rawConfig{}
	if watchDirectory != "" {
		persistent.WatchDir = watchDirectory
	}
	if cmd.Flags().Changed("history-db") {
		persistent.HistoryDB = historyDB
	}
	if cmd.Flags().Changed("verbose") {
		persistent.Verbose = &verbose
	}
	return cwd, overlayConfig(raw, persistent), configPath, nil
}

// flagConfig collects the root command flags the user actually set.
func flagConfig(cmd *cobra.Command) rawConfig {
	flags := cmd.Flags()
	var raw rawConfig

	if flags.Changed("server") {
		raw.Server = serverCommand
	}
	if flags.Changed("debounce") {
		ms := debounce.Milliseconds()
		raw.DebounceMs = &ms
	}
	if flags.Changed("kill-timeout") {
		ms := killTimeout.Milliseconds()
		raw.KillTimeoutMs = &ms
	}
	if len(ignorePatterns) > 0 {
		patterns := make([]any, 0, len(ignorePatterns))
		for _, p := range ignorePatterns {
			patterns = append(patterns, p)
		}
		raw.Ignore = patterns
	}
	if flags.Changed("no-gitignore") {
		useGitignore := !noGitignore
		raw.Gitignore = &useGitignore
	}
	if flags.Changed("backend") {
		raw.Backend = backend
	}
	if flags.Changed("shell") {
		raw.Shell = shell
	}
	if flags.Changed("pty") {
		raw.Pty = &usePTY
	}
	if flags.Changed("schedule") {
		raw.Schedule = schedule
	}
	if flags.Changed("run-on-start") {
		raw.RunOnStart = &runOnStart
	}
	if flags.Changed("ok-str") {
		raw.OkStr = okStr
	}
	return raw
}

func describeConfig(configPath string) string {
	if configPath == "" {
		return configFileNames[0]
	}
	return configPath
}

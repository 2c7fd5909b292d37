package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/syntax"
)

const (
	defaultDebounce    = 200 * time.Millisecond
	defaultKillTimeout = 5 * time.Second
	defaultOkStr       = "✓"

	configEnvVar = "CHAINWATCH_CONFIG"
	shellEnvVar  = "CHAINWATCH_SHELL"

	backendFsnotify = "fsnotify"
	backendNotify   = "notify"

	shellSystem  = "system"
	shellBuiltin = "builtin"
)

var configFileNames = []string{
	".chainwatch.toml",
	".chainwatch.yaml",
	".chainwatch.yml",
}

// rawConfig mirrors the config file. Pointer and any fields distinguish
// "unset" from zero values so that flags can be layered on top.
type rawConfig struct {
	Commands      any            `toml:"commands" yaml:"commands"`
	Server        any            `toml:"server" yaml:"server"`
	WatchDir      any            `toml:"watch_dir" yaml:"watch_dir"`
	DebounceMs    *int64         `toml:"debounce_ms" yaml:"debounce_ms"`
	KillTimeoutMs *int64         `toml:"kill_timeout_ms" yaml:"kill_timeout_ms"`
	Ignore        any            `toml:"ignore" yaml:"ignore"`
	Gitignore     *bool          `toml:"gitignore" yaml:"gitignore"`
	Backend       string         `toml:"backend" yaml:"backend"`
	Shell         string         `toml:"shell" yaml:"shell"`
	ShellPath     string         `toml:"shell_path" yaml:"shell_path"`
	Pty           *bool          `toml:"pty" yaml:"pty"`
	Env           map[string]any `toml:"env" yaml:"env"`
	HistoryDB     string         `toml:"history_db" yaml:"history_db"`
	Schedule      string         `toml:"schedule" yaml:"schedule"`
	RunOnStart    *bool          `toml:"run_on_start" yaml:"run_on_start"`
	OkStr         string         `toml:"ok_str" yaml:"ok_str"`
	Verbose       *bool          `toml:"verbose" yaml:"verbose"`
}

// CommandSpec is the ordered test chain plus the optional server command.
type CommandSpec struct {
	Chain  []string
	Server string
}

func (c CommandSpec) HasServer() bool {
	return c.Server != ""
}

// WatchConfig is the normalized, immutable configuration of one chainwatch
// process.
type WatchConfig struct {
	Root         string
	ConfigPath   string
	Commands     CommandSpec
	Debounce     time.Duration
	KillTimeout  time.Duration
	Ignore       []string
	UseGitignore bool
	Backend      string
	Shell        string
	ShellPath    string
	UsePTY       bool
	Env          map[string]string
	HistoryDB    string
	Schedule     string
	RunOnStart   bool
	OkStr        string
	Verbose      bool
}

func readConfig(path string) (rawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rawConfig{}, fmt.Errorf("read config: %w", err)
	}

	var raw rawConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return rawConfig{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := toml.Unmarshal(data, &raw); err != nil {
			return rawConfig{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return raw, nil
}

// findConfigFile returns the config file to load, or "" when there is none.
// An explicit path must exist; the implicit lookup in dir is optional.
func findConfigFile(explicit, dir string) (string, error) {
	explicit = strings.TrimSpace(explicit)
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv(configEnvVar))
	}
	if explicit != "" {
		resolved, err := resolvePath(explicit, dir)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", explicit, err)
		}
		if _, err := os.Stat(resolved); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return resolved, nil
	}

	for _, name := range configFileNames {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", nil
}

// overlayConfig returns base with every field set in top replacing it.
func overlayConfig(base, top rawConfig) rawConfig {
	out := base
	if top.Commands != nil {
		out.Commands = top.Commands
	}
	if top.Server != nil {
		out.Server = top.Server
	}
	if top.WatchDir != nil {
		out.WatchDir = top.WatchDir
	}
	if top.DebounceMs != nil {
		out.DebounceMs = top.DebounceMs
	}
	if top.KillTimeoutMs != nil {
		out.KillTimeoutMs = top.KillTimeoutMs
	}
	if top.Ignore != nil {
		more, _ := valueToStringSlice(top.Ignore)
		have, _ := valueToStringSlice(base.Ignore)
		merged := make([]any, 0, len(have)+len(more))
		for _, p := range append(have, more...) {
			merged = append(merged, p)
		}
		out.Ignore = merged
	}
	if top.Gitignore != nil {
		out.Gitignore = top.Gitignore
	}
	if top.Backend != "" {
		out.Backend = top.Backend
	}
	if top.Shell != "" {
		out.Shell = top.Shell
	}
	if top.ShellPath != "" {
		out.ShellPath = top.ShellPath
	}
	if top.Pty != nil {
		out.Pty = top.Pty
	}
	if len(top.Env) > 0 {
		env := make(map[string]any, len(base.Env)+len(top.Env))
		for k, v := range base.Env {
			env[k] = v
		}
		for k, v := range top.Env {
			env[k] = v
		}
		out.Env = env
	}
	if top.HistoryDB != "" {
		out.HistoryDB = top.HistoryDB
	}
	if top.Schedule != "" {
		out.Schedule = top.Schedule
	}
	if top.RunOnStart != nil {
		out.RunOnStart = top.RunOnStart
	}
	if top.OkStr != "" {
		out.OkStr = top.OkStr
	}
	if top.Verbose != nil {
		out.Verbose = top.Verbose
	}
	return out
}

// normalizeConfig validates raw and resolves relative paths against cwd.
func normalizeConfig(raw rawConfig, cwd string, configPath string) (WatchConfig, error) {
	root := cwd
	if str, ok := valueToString(raw.WatchDir); ok && str != "" {
		resolved, err := resolvePath(str, cwd)
		if err != nil {
			return WatchConfig{}, fmt.Errorf("watch_dir: %w", err)
		}
		root = resolved
	}
	info, err := os.Stat(root)
	if err != nil {
		return WatchConfig{}, fmt.Errorf("watch_dir: %w", err)
	}
	if !info.IsDir() {
		return WatchConfig{}, fmt.Errorf("watch_dir: %s is not a directory", root)
	}
	// Backends report canonical paths and do not descend into a symlinked
	// root, so the root is always the resolved directory.
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return WatchConfig{}, fmt.Errorf("watch_dir: %w", err)
	}

	chain, err := valueToStringSlice(raw.Commands)
	if err != nil {
		return WatchConfig{}, fmt.Errorf("commands: %w", err)
	}
	if len(chain) == 0 {
		return WatchConfig{}, errors.New("at least one command is required")
	}
	for i, command := range chain {
		if err := validateCommand(command); err != nil {
			return WatchConfig{}, fmt.Errorf("commands[%d]: %w", i, err)
		}
	}

	server := ""
	if str, ok := valueToString(raw.Server); ok {
		server = str
	}
	if server != "" {
		if err := validateCommand(server); err != nil {
			return WatchConfig{}, fmt.Errorf("server: %w", err)
		}
	}

	ignore, err := valueToStringSlice(raw.Ignore)
	if err != nil {
		return WatchConfig{}, fmt.Errorf("ignore: %w", err)
	}
	ignore = trimPatterns(ignore)
	for _, pattern := range ignore {
		if !doublestar.ValidatePattern(pattern) {
			return WatchConfig{}, fmt.Errorf("ignore: invalid pattern %q", pattern)
		}
	}

	env, err := normalizeEnv(raw.Env)
	if err != nil {
		return WatchConfig{}, fmt.Errorf("invalid env: %w", err)
	}

	backend := strings.ToLower(strings.TrimSpace(raw.Backend))
	if backend == "" {
		backend = backendFsnotify
	}
	if backend != backendFsnotify && backend != backendNotify {
		return WatchConfig{}, fmt.Errorf("backend: unknown backend %q", raw.Backend)
	}

	shell := strings.ToLower(strings.TrimSpace(raw.Shell))
	if shell == "" {
		shell = shellSystem
	}
	if shell != shellSystem && shell != shellBuiltin {
		return WatchConfig{}, fmt.Errorf("shell: unknown shell %q", raw.Shell)
	}

	shellPath := strings.TrimSpace(raw.ShellPath)
	if shellPath == "" {
		shellPath = defaultShell()
	}

	schedule := strings.TrimSpace(raw.Schedule)
	if schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return WatchConfig{}, fmt.Errorf("schedule: %w", err)
		}
	}

	historyDB := ""
	if strings.TrimSpace(raw.HistoryDB) != "" {
		historyDB, err = resolvePath(raw.HistoryDB, root)
		if err != nil {
			return WatchConfig{}, fmt.Errorf("history_db: %w", err)
		}
	}

	okStr := raw.OkStr
	if okStr == "" {
		okStr = defaultOkStr
	}

	killTimeout := chooseDuration(raw.KillTimeoutMs, defaultKillTimeout)
	if killTimeout <= 0 {
		killTimeout = defaultKillTimeout
	}

	return WatchConfig{
		Root:       root,
		ConfigPath: configPath,
		Commands: CommandSpec{
			Chain:  chain,
			Server: server,
		},
		Debounce:     chooseDuration(raw.DebounceMs, defaultDebounce),
		KillTimeout:  killTimeout,
		Ignore:       ignore,
		UseGitignore: valueOrDefaultBool(raw.Gitignore, true),
		Backend:      backend,
		Shell:        shell,
		ShellPath:    shellPath,
		UsePTY:       valueOrDefaultBool(raw.Pty, false),
		Env:          env,
		HistoryDB:    historyDB,
		Schedule:     schedule,
		RunOnStart:   valueOrDefaultBool(raw.RunOnStart, true),
		OkStr:        okStr,
		Verbose:      valueOrDefaultBool(raw.Verbose, false),
	}, nil
}

// validateCommand rejects command strings the shell parser cannot read.
func validateCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return errors.New("command must not be empty")
	}
	parser := syntax.NewParser()
	if _, err := parser.Parse(strings.NewReader(command), ""); err != nil {
		return fmt.Errorf("invalid command %q: %w", command, err)
	}
	return nil
}

func normalizeEnv(env map[string]any) (map[string]string, error) {
	if env == nil {
		return map[string]string{}, nil
	}
	result := make(map[string]string, len(env))
	for key, value := range env {
		if key == "" || value == nil {
			continue
		}
		str, ok := valueToString(value)
		if !ok {
			return nil, fmt.Errorf("environment value for %s must be string", key)
		}
		result[key] = str
	}
	return result, nil
}

func trimPatterns(patterns []string) []string {
	result := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		result = append(result, pattern)
	}
	return result
}

func valueOrDefaultBool(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

func chooseDuration(value *int64, defaultValue time.Duration) time.Duration {
	if value != nil {
		return millisecondsToDuration(*value)
	}
	return defaultValue
}

func millisecondsToDuration(value int64) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func valueToString(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return strings.TrimSpace(v), true
	case fmt.Stringer:
		return strings.TrimSpace(v.String()), true
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v)), true
	}
}

func valueToStringSlice(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return []string{strings.TrimSpace(v)}, nil
	case []string:
		return trimPatterns(v), nil
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := valueToString(item)
			if !ok {
				return nil, errors.New("array must contain strings")
			}
			if str != "" {
				result = append(result, str)
			}
		}
		return result, nil
	default:
		return nil, errors.New("value must be string or array")
	}
}

// resolvePath expands ~ and makes input absolute relative to base.
func resolvePath(input string, base string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("path must not be empty")
	}
	if input == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		return filepath.Clean(home), nil
	}
	if strings.HasPrefix(input, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		return filepath.Join(home, filepath.Clean(input[2:])), nil
	}

	if filepath.IsAbs(input) {
		return filepath.Clean(input), nil
	}

	return filepath.Join(base, filepath.Clean(input)), nil
}

func defaultShell() string {
	if shell := strings.TrimSpace(os.Getenv(shellEnvVar)); shell != "" {
		return shell
	}
	if runtime.GOOS == "windows" {
		return "sh"
	}
	return "/bin/sh"
}

func buildEnvList(overrides map[string]string) []string {
	env := os.Environ()
	envMap := make(map[string]string, len(env)+len(overrides))

	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		key := parts[0]
		value := ""
		if len(parts) == 2 {
			value = parts[1]
		}
		envMap[key] = value
	}

	for key, value := range overrides {
		envMap[key] = value
	}

	result := make([]string, 0, len(envMap))
	for key, value := range envMap {
		result = append(result, key+"="+value)
	}
	sort.Strings(result)
	return result
}

func posixPath(input string) string {
	return strings.ReplaceAll(input, string(filepath.Separator), "/")
}

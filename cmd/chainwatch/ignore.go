package main

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"
)

// ignoreEvaluator decides whether a changed path should be excluded from
// triggering a run.
type ignoreEvaluator interface {
	Ignored(path string) bool
}

// Paths that never trigger, whatever the ignore files say. Patterns are
// matched against the path and each of its parent directories.
var builtinIgnores = []string{
	".git",
	"**/.git",
	".hg",
	"**/.hg",
	".svn",
	"**/.svn",
	"**/*.swp",
	"**/*.swx",
	"**/*~",
	"**/.#*",
	"**/4913",
	"**/.DS_Store",
}

var ignoreFileNames = map[string]struct{}{
	".gitignore": {},
	".ignore":    {},
}

type ignoreRules struct {
	root         string
	useGitignore bool
	patterns     []string

	mu         sync.RWMutex
	matchers   []scopedIgnore
	exactPaths map[string]struct{}
}

// scopedIgnore is one compiled ignore file; scope is the directory holding
// it, relative to the root ("" for the root itself). negated holds the
// file's "!" patterns without the "!", so a file can tell an explicit
// re-include apart from no match at all.
type scopedIgnore struct {
	scope   string
	gi      *gitignore.GitIgnore
	negated *gitignore.GitIgnore
}

type ignoreVerdict int

const (
	verdictNone ignoreVerdict = iota
	verdictIgnore
	verdictInclude
)

func compileScopedIgnore(file, scope string) (scopedIgnore, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return scopedIgnore{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")

	var negated []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "!") && len(line) > 1 {
			negated = append(negated, line[1:])
		}
	}
	return scopedIgnore{
		scope:   scope,
		gi:      gitignore.CompileIgnoreLines(lines...),
		negated: gitignore.CompileIgnoreLines(negated...),
	}, nil
}

// verdict applies one ignore file to a root-relative path.
func (m scopedIgnore) verdict(rel string, dir bool) ignoreVerdict {
	local, ok := scopedPath(m.scope, rel)
	if !ok {
		return verdictNone
	}
	candidates := []string{local}
	if dir {
		candidates = []string{local + "/", local}
	}
	for _, candidate := range candidates {
		if m.gi.MatchesPath(candidate) {
			return verdictIgnore
		}
	}
	for _, candidate := range candidates {
		if m.negated.MatchesPath(candidate) {
			return verdictInclude
		}
	}
	return verdictNone
}

func newIgnoreRules(root string, patterns []string, useGitignore bool) (*ignoreRules, error) {
	r := &ignoreRules{
		root:         filepath.Clean(root),
		useGitignore: useGitignore,
		patterns:     append(append([]string{}, builtinIgnores...), patterns...),
		exactPaths:   make(map[string]struct{}),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// IgnorePath excludes a single absolute path, e.g. a database that chainwatch
// itself writes inside the watched tree.
func (r *ignoreRules) IgnorePath(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exactPaths[filepath.Clean(p)] = struct{}{}
}

// Reload rescans the tree for ignore files. Directories that are already
// ignored are not descended into.
func (r *ignoreRules) Reload() error {
	if !r.useGitignore {
		return nil
	}

	var matchers []scopedIgnore

	exclude := filepath.Join(r.root, ".git", "info", "exclude")
	if m, err := compileScopedIgnore(exclude, ""); err == nil {
		matchers = append(matchers, m)
	}

	err := filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == r.root {
				return err
			}
			// Unreadable subtrees are simply not consulted.
			return nil
		}
		rel, ok := r.relative(p)
		if !ok {
			return nil
		}
		if d.IsDir() {
			if rel != "" && (r.matchesPatterns(rel) || ignoredByFiles(matchers, rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := ignoreFileNames[d.Name()]; !ok {
			return nil
		}
		dir := path.Dir(rel)
		if dir == "." {
			dir = ""
		}
		m, err := compileScopedIgnore(p, dir)
		if err != nil {
			logWarn("skipping ignore file %s: %v", p, err)
			return nil
		}
		matchers = append(matchers, m)
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	r.mu.Lock()
	r.matchers = matchers
	r.mu.Unlock()
	logDebug("loaded %d ignore file(s) under %s", len(matchers), r.root)
	return nil
}

// Ignored reports whether an absolute path is excluded. Paths outside the
// root are always excluded.
func (r *ignoreRules) Ignored(p string) bool {
	p = filepath.Clean(p)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.exactPaths[p]; ok {
		return true
	}

	rel, ok := r.relative(p)
	if !ok {
		return true
	}
	if rel == "" {
		return false
	}
	if r.matchesPatterns(rel) {
		return true
	}
	return r.matchesIgnoreFiles(rel)
}

func (r *ignoreRules) relative(p string) (string, bool) {
	rel, err := filepath.Rel(r.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	return posixPath(rel), true
}

func (r *ignoreRules) matchesPatterns(rel string) bool {
	for _, candidate := range withParents(rel) {
		for _, pattern := range r.patterns {
			if ok, _ := doublestar.Match(pattern, candidate); ok {
				return true
			}
		}
	}
	return false
}

func (r *ignoreRules) matchesIgnoreFiles(rel string) bool {
	return ignoredByFiles(r.matchers, rel)
}

// ignoredByFiles follows git: a path inside an ignored directory stays
// ignored, otherwise the deepest ignore file with a matching pattern decides.
// matchers must be ordered from lowest to highest precedence.
func ignoredByFiles(matchers []scopedIgnore, rel string) bool {
	if len(matchers) == 0 {
		return false
	}
	parents := withParents(rel)
	for i := len(parents) - 1; i >= 1; i-- {
		if fileVerdict(matchers, parents[i], true) == verdictIgnore {
			return true
		}
	}
	return fileVerdict(matchers, rel, false) == verdictIgnore
}

func fileVerdict(matchers []scopedIgnore, rel string, dir bool) ignoreVerdict {
	result := verdictNone
	for _, m := range matchers {
		if v := m.verdict(rel, dir); v != verdictNone {
			result = v
		}
	}
	return result
}

// withParents returns rel followed by each of its parent directories.
func withParents(rel string) []string {
	out := []string{rel}
	for {
		dir := path.Dir(rel)
		if dir == "." || dir == "/" || dir == rel {
			return out
		}
		out = append(out, dir)
		rel = dir
	}
}

// scopedPath makes rel relative to the directory holding an ignore file.
func scopedPath(scope, rel string) (string, bool) {
	if scope == "" {
		return rel, true
	}
	if !strings.HasPrefix(rel, scope+"/") {
		return "", false
	}
	return strings.TrimPrefix(rel, scope+"/"), true
}

func isIgnoreFile(p string) bool {
	_, ok := ignoreFileNames[filepath.Base(p)]
	return ok
}

package script

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/hupe1980/flowmesh/core"
)

// DefaultPattern matches script files anywhere below a directory.
const DefaultPattern = "**/*.flow"

// NameFromPath derives a script name from its file name.
func NameFromPath(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadDir compiles every file below dir matching pattern. Files that fail
// to compile are skipped; their errors are joined into the returned error.
func LoadDir(dir, pattern string, optFns ...func(o *Options)) ([]*core.ScriptDefinition, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	matches, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob %s in %s: %w", pattern, dir, err)
	}
	sort.Strings(matches)

	var (
		defs []*core.ScriptDefinition
		errs []error
	)
	for _, rel := range matches {
		def, err := compileFile(filepath.Join(dir, filepath.FromSlash(rel)), optFns...)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, errors.Join(errs...)
}

// LoadDir compiles and registers every matching script below dir.
func (r *Registry) LoadDir(dir, pattern string) (int, error) {
	defs, err := LoadDir(dir, pattern, r.compile...)
	for _, def := range defs {
		if regErr := r.Register(def); regErr != nil {
			err = errors.Join(err, regErr)
		}
	}
	return len(defs), err
}

func compileFile(p string, optFns ...func(o *Options)) (*core.ScriptDefinition, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", p, err)
	}
	def, err := Compile(NameFromPath(p), string(data), optFns...)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", p, err)
	}
	return def, nil
}

// matchPattern reports whether the slash-separated relative path rel
// matches pattern.
func matchPattern(pattern, rel string) bool {
	ok, err := doublestar.Match(pattern, path.Clean(filepath.ToSlash(rel)))
	return err == nil && ok
}

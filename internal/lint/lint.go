// Package lint checks whether a configuration or source file is
// well-formed before its change is announced.
package lint

import (
	"bytes"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// Checker reports a syntax error in data. path is only used for messages.
type Checker func(path string, data []byte) error

// Linter dispatches on the file extension. Files with no registered checker
// are considered well-formed.
type Linter struct {
	mutex    sync.RWMutex
	checkers map[string]Checker
}

// New returns a Linter with the TOML, YAML, JSON and Go checkers installed.
func New() *Linter {
	linter := &Linter{checkers: make(map[string]Checker)}
	linter.Register(".toml", checkTOML)
	linter.Register(".yaml", checkYAML)
	linter.Register(".yml", checkYAML)
	linter.Register(".json", checkJSON)
	linter.Register(".jsonc", checkJSON)
	linter.Register(".hujson", checkJSON)
	linter.Register(".go", checkGo)
	return linter
}

// Register installs checker for ext, replacing any previous one. A nil
// checker removes it.
func (l *Linter) Register(ext string, checker Checker) {
	ext = normalizeExt(ext)
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if checker == nil {
		delete(l.checkers, ext)
		return
	}
	l.checkers[ext] = checker
}

// Supports reports whether a checker is registered for path's extension.
func (l *Linter) Supports(path string) bool {
	return l.checker(path) != nil
}

// Validate reads path and runs the matching checker.
func (l *Linter) Validate(path string) error {
	checker := l.checker(path)
	if checker == nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return checker(path, data)
}

func (l *Linter) checker(path string) Checker {
	ext := normalizeExt(filepath.Ext(path))
	if ext == "" {
		return nil
	}
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.checkers[ext]
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func checkTOML(path string, data []byte) error {
	var discard map[string]any
	if _, err := toml.Decode(string(data), &discard); err != nil {
		var parseErr toml.ParseError
		if errors.As(err, &parseErr) {
			return fmt.Errorf("parse %s: %s", path, parseErr.ErrorWithPosition())
		}
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func checkYAML(path string, data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var node yaml.Node
		err := decoder.Decode(&node)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
}

func checkJSON(path string, data []byte) error {
	if _, err := hujson.Parse(data); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func checkGo(path string, data []byte) error {
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, path, data, parser.AllErrors); err != nil {
		return err
	}
	return nil
}

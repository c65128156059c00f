package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filewatch"
	"filewatch/internal/logging"
	"filewatch/internal/watcher"
)

func defaultsPayload(t *testing.T) []byte {
	t.Helper()
	payload, err := filewatch.EmbeddedConfigFS.ReadFile(filewatch.DefaultConfigPath)
	if err != nil {
		t.Fatalf("read defaults: %v", err)
	}
	return payload
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "filewatch.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func envMap(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	settings, err := Load("", defaultsPayload(t), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if settings.Mode() != watcher.ModeAuto || settings.Interval != time.Second {
		t.Fatalf("unexpected defaults %+v", settings)
	}
	if settings.Listen != ":7878" || settings.Level() != logging.LevelInfo {
		t.Fatalf("unexpected defaults %+v", settings)
	}
	if settings.Remote.Burst != 40 || settings.Remote.WriteTimeout != 10*time.Second || settings.Remote.DeliverTimeout != time.Second {
		t.Fatalf("unexpected remote defaults %+v", settings.Remote)
	}
	if settings.Sources["backend"] != SourceDefault {
		t.Fatalf("expected default source, got %q", settings.Sources["backend"])
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, "backend = \"poll\"\ninterval = \"250ms\"\npaths = [\"app.toml\", \"/etc/hosts\"]\n")
	settings, err := Load(path, defaultsPayload(t), envMap(map[string]string{
		"FILEWATCH_INTERVAL":  "2s",
		"FILEWATCH_LOG_LEVEL": "debug",
		"FILEWATCH_LISTEN":    "  ",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if settings.Mode() != watcher.ModePoll || settings.Sources["backend"] != SourceFile {
		t.Fatalf("expected file backend, got %q from %q", settings.Backend, settings.Sources["backend"])
	}
	if settings.Interval != 2*time.Second || settings.Sources["interval"] != SourceEnv {
		t.Fatalf("expected env interval, got %s", settings.Interval)
	}
	if settings.Level() != logging.LevelDebug {
		t.Fatalf("expected debug level, got %q", settings.LogLevel)
	}
	if settings.Listen != ":7878" {
		t.Fatalf("expected blank env to be ignored, got %q", settings.Listen)
	}
	want := filepath.Join(filepath.Dir(path), "app.toml")
	if len(settings.Paths) != 2 || settings.Paths[0] != want || settings.Paths[1] != "/etc/hosts" {
		t.Fatalf("unexpected paths %v", settings.Paths)
	}
}

func TestLoadEnvPaths(t *testing.T) {
	list := strings.Join([]string{"/a", "/b"}, string(os.PathListSeparator))
	settings, err := Load("", defaultsPayload(t), envMap(map[string]string{"FILEWATCH_PATHS": list}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(settings.Paths) != 2 || settings.Paths[1] != "/b" {
		t.Fatalf("unexpected paths %v", settings.Paths)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		env     map[string]string
		wantErr string
	}{
		{name: "syntax", content: "backend = \n", wantErr: "line 1"},
		{name: "unknown key", content: "colour = \"red\"\n", wantErr: "unknown keys: colour"},
		{name: "bad backend", content: "backend = \"kqueue\"\n", wantErr: "unknown backend"},
		{name: "bad interval", content: "interval = \"0s\"\n", wantErr: "invalid interval"},
		{name: "bad level", content: "log-level = \"loud\"\n", wantErr: "invalid log-level"},
		{name: "bad env interval", env: map[string]string{"FILEWATCH_INTERVAL": "soon"}, wantErr: "FILEWATCH_INTERVAL"},
		{name: "bad env max", env: map[string]string{"FILEWATCH_MAX_WATCHES": "many"}, wantErr: "FILEWATCH_MAX_WATCHES"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := ""
			if tc.content != "" {
				path = writeConfig(t, tc.content)
			}
			_, err := Load(path, defaultsPayload(t), envMap(tc.env))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"), defaultsPayload(t), nil)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/psantana5/oomwatch/internal/config"
	"github.com/psantana5/oomwatch/pkg/logging"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{8 * 1024 * 1024 * 1024, "8.0 GiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestCrashLogEvidence(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.log")
	blank := filepath.Join(dir, "blank.log")
	full := filepath.Join(dir, "full.log")
	os.WriteFile(empty, nil, 0644)
	os.WriteFile(blank, []byte(" \n\t\n"), 0644)
	os.WriteFile(full, []byte("panic: boom\n"), 0644)

	tests := []struct {
		path string
		want bool
	}{
		{"", false},
		{filepath.Join(dir, "missing.log"), false},
		{empty, false},
		{blank, false},
		{full, true},
	}
	for _, tt := range tests {
		if got := crashLogEvidence(tt.path); got != tt.want {
			t.Errorf("crashLogEvidence(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestMonitorOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Type = "memory"
	cfg.Lifecycle.Signals = false
	cfg.Lifecycle.PollInterval = "1s"
	cfg.Webhook.URL = "http://127.0.0.1:1/hook"

	opts, signals, err := monitorOptions(cfg, logging.Nop(), nil)
	if err != nil {
		t.Fatalf("monitorOptions failed: %v", err)
	}
	if signals != nil {
		t.Error("Signals disabled, expected no signal source")
	}
	if len(opts) == 0 {
		t.Error("Expected options")
	}

	cfg.Lifecycle.PollInterval = "soon"
	if _, _, err := monitorOptions(cfg, logging.Nop(), nil); err == nil {
		t.Error("Expected error for invalid poll interval")
	}
}

func TestOpenFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Namespace = "cli"
	cfg.Store.Type = "file"
	cfg.Store.Path = filepath.Join(t.TempDir(), "flags.json")

	flags, err := openFlags(cfg, logging.Nop())
	if err != nil {
		t.Fatalf("openFlags failed: %v", err)
	}
	defer flags.Close()

	if flags.Namespace() != "cli" || flags.Backend().Name() != "file" {
		t.Errorf("Unexpected flags: ns=%s backend=%s", flags.Namespace(), flags.Backend().Name())
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"
	"pkt.systems/ramutex"
	"pkt.systems/ramutex/internal/sharedlog"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func newTestRoot(t *testing.T, args ...string) (*bytes.Buffer, func() error) {
	t.Helper()
	resetViper(t)
	t.Setenv("RAMUTEX_CONFIG_DIR", t.TempDir())
	root := newRootCommand(pslog.NewStructured(io.Discard))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	return &out, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		return root.ExecuteContext(ctx)
	}
}

func TestRootFlagsAreBound(t *testing.T) {
	resetViper(t)
	root := newRootCommand(pslog.NewStructured(io.Discard))
	for _, name := range runFlagNames {
		if root.Flags().Lookup(name) == nil {
			t.Fatalf("flag %q missing", name)
		}
	}
	if f := root.PersistentFlags().ShorthandLookup("c"); f == nil || f.Name != "config" {
		t.Fatalf("expected -c shorthand for --config")
	}
	if got := viper.GetDuration("hold"); got != ramutex.DefaultHold {
		t.Fatalf("hold default = %s, want %s", got, ramutex.DefaultHold)
	}
}

func TestBindConfigFromEnv(t *testing.T) {
	resetViper(t)
	t.Setenv("RAMUTEX_ID", "7")
	t.Setenv("RAMUTEX_PEER", "1@127.0.0.1:7001,2@127.0.0.1:7002")
	t.Setenv("RAMUTEX_MAX_MESSAGE_BYTES", "1MiB")
	t.Setenv("RAMUTEX_JITTER_MAX", "3s")
	_ = newRootCommand(pslog.NewStructured(io.Discard))

	var cfg ramutex.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.ID != 7 {
		t.Fatalf("id = %d", cfg.ID)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[0] != "1@127.0.0.1:7001" || cfg.Peers[1] != "2@127.0.0.1:7002" {
		t.Fatalf("peers = %v", cfg.Peers)
	}
	if cfg.MaxMessageBytes != 1<<20 {
		t.Fatalf("max message bytes = %d", cfg.MaxMessageBytes)
	}
	if cfg.JitterMax != 3*time.Second {
		t.Fatalf("jitter max = %s", cfg.JitterMax)
	}
	if cfg.Attempts != ramutex.DefaultAttempts {
		t.Fatalf("attempts = %d", cfg.Attempts)
	}
}

func TestBindConfigRejectsBadByteSize(t *testing.T) {
	resetViper(t)
	t.Setenv("RAMUTEX_MAX_MESSAGE_BYTES", "lots")
	_ = newRootCommand(pslog.NewStructured(io.Discard))
	var cfg ramutex.Config
	if err := bindConfig(&cfg); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList([]string{"1@a:1, 2@b:2", "", "3@c:3"})
	want := []string{"1@a:1", "2@b:2", "3@c:3"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("splitList = %v, want %v", got, want)
	}
}

func TestConfigGenRoundTripsThroughViper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	out, run := newTestRoot(t, "config", "gen", "--out", path, "--id", "4", "--peer", "1@127.0.0.1:6001,2@127.0.0.1:6002")
	if err := run(); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(out.String(), path) {
		t.Fatalf("unexpected output %q", out.String())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var decoded configDefaults
	if err := yaml.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode generated yaml: %v", err)
	}
	if decoded.ID != 4 || len(decoded.Peers) != 2 {
		t.Fatalf("decoded = %+v", decoded)
	}

	resetViper(t)
	_ = newRootCommand(pslog.NewStructured(io.Discard))
	viper.Set("config", path)
	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if loaded != path {
		t.Fatalf("loaded %q, want %q", loaded, path)
	}
	var cfg ramutex.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.ID != 4 || len(cfg.Peers) != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.MaxMessageBytes != ramutex.DefaultMaxMessageBytes {
		t.Fatalf("max message bytes = %d", cfg.MaxMessageBytes)
	}
	if cfg.Hold != ramutex.DefaultHold {
		t.Fatalf("hold = %s", cfg.Hold)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("generated config does not validate: %v", err)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("id: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, run := newTestRoot(t, "config", "gen", "--out", path)
	if err := run(); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	_, run = newTestRoot(t, "config", "gen", "--out", path, "--stdout")
	if err := run(); err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected flag conflict, got %v", err)
	}
}

func TestLoadConfigFileExplicitMissing(t *testing.T) {
	resetViper(t)
	t.Setenv("RAMUTEX_CONFIG_DIR", t.TempDir())
	viper.Set("config", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := loadConfigFile(); err == nil {
		t.Fatal("expected error for explicit missing config")
	}
	viper.Set("config", "")
	if path, err := loadConfigFile(); err != nil || path != "" {
		t.Fatalf("implicit lookup = %q, %v", path, err)
	}
}

func writeLog(t *testing.T, entries ...sharedlog.Entry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shared.log")
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVerifyCommand(t *testing.T) {
	clean := writeLog(t,
		sharedlog.Entry{Peer: 1, Event: sharedlog.EventEnter, Episode: "a"},
		sharedlog.Entry{Peer: 1, Event: sharedlog.EventExit, Episode: "a"},
		sharedlog.Entry{Peer: 2, Event: sharedlog.EventEnter, Episode: "b"},
		sharedlog.Entry{Peer: 2, Event: sharedlog.EventExit, Episode: "b"},
	)
	out, run := newTestRoot(t, "verify", clean)
	if err := run(); err != nil {
		t.Fatalf("verify clean log: %v", err)
	}
	if !strings.Contains(out.String(), "mutual exclusion holds") {
		t.Fatalf("unexpected report %q", out.String())
	}

	overlapping := writeLog(t,
		sharedlog.Entry{Peer: 1, Event: sharedlog.EventEnter, Episode: "a"},
		sharedlog.Entry{Peer: 2, Event: sharedlog.EventEnter, Episode: "b"},
		sharedlog.Entry{Peer: 1, Event: sharedlog.EventExit, Episode: "a"},
		sharedlog.Entry{Peer: 2, Event: sharedlog.EventExit, Episode: "b"},
	)
	out, run = newTestRoot(t, "verify", "--json", overlapping)
	err := run()
	if !errors.Is(err, errExclusionViolated) {
		t.Fatalf("expected violation error, got %v", err)
	}
	var report sharedlog.Report
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode json report: %v (%q)", err, out.String())
	}
	if report.OK() || report.Violations[0].Entry.Peer != 2 {
		t.Fatalf("report = %+v", report)
	}
}

func TestVersionCommand(t *testing.T) {
	out, run := newTestRoot(t, "version")
	if err := run(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if fields := strings.Fields(out.String()); len(fields) != 2 || !strings.HasPrefix(fields[1], "v") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestRunSinglePeerExitsAfterWorkload(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "shared.log")
	_, run := newTestRoot(t,
		"--id", "1",
		"--listen", "127.0.0.1:0",
		"--attempts", "2",
		"--startup-delay", "0s",
		"--jitter-min", "0s",
		"--jitter-max", "0s",
		"--hold", "0s",
		"--shared-log", logPath,
		"--exit-after-workload",
		"--log-level", "error",
	)
	if err := run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	report, err := sharedlog.Verify(logPath)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK() || report.Episodes != 2 || report.PerPeer[1] != 2 {
		t.Fatalf("report = %+v", report)
	}
}

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/dtxn"
	"pkt.systems/dtxn/internal/loggingutil"
	"pkt.systems/dtxn/internal/update"
	"pkt.systems/dtxn/internal/updatelog"
	"pkt.systems/dtxn/internal/version"
)

var testRanges = []string{"0x1000-0x2000=0", "0x2000-0x3000=1"}

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cmd := newRootCommand(loggingutil.NoopLogger())
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func rangeArgs(logURL string) []string {
	args := []string{"--log-url", logURL, "--no-sync"}
	for _, r := range testRanges {
		args = append(args, "--range", r)
	}
	return args
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if want := version.Module() + " " + version.Current() + "\n"; stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
	stdout, _, err = executeRootCommand(t, "version", "--semver")
	if err != nil {
		t.Fatalf("version --semver: %v", err)
	}
	if want := version.Semver() + "\n"; stdout != want {
		t.Fatalf("unexpected semver: got %q want %q", stdout, want)
	}
	if _, _, err := executeRootCommand(t, "version", "--version", "--semver"); err == nil {
		t.Fatal("expected error when both --version and --semver are set")
	}
}

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode generated config: %v\n%s", err, stdout)
	}
	if len(got.Range) != 2 || got.ReplayAttempts != dtxn.DefaultReplayMaxAttempts {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if got.MaxBatchSize != "1.0MiB" {
		t.Fatalf("unexpected max batch size %q", got.MaxBatchSize)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil {
		t.Fatal("expected overwrite refusal")
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
}

func writeTestLog(t *testing.T, path string) {
	t.Helper()
	l, err := updatelog.OpenFile(path, updatelog.Options{Participant: 0, NoSync: true})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer l.Close()
	b := update.NewBuilder(9, update.BuilderOptions{})
	if err := b.Pack(dtxn.NewFID(0x1000, 2), update.Write{Data: []byte("hello"), Pos: 0}); err != nil {
		t.Fatalf("pack: %v", err)
	}
	batch := b.Seal()
	batch.MasterSeq = 77
	if _, err := l.Append(context.Background(), updatelog.Record{Participant: 0, Primary: true, Transno: 3, Batch: batch}); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestLogHeaderAndDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p0.log")
	writeTestLog(t, path)

	stdout, _, err := executeRootCommand(t, "log", "header", path)
	if err != nil {
		t.Fatalf("log header: %v", err)
	}
	if !strings.Contains(stdout, "participant:  p0") || !strings.Contains(stdout, "records:      1") {
		t.Fatalf("unexpected header output:\n%s", stdout)
	}

	stdout, _, err = executeRootCommand(t, "log", "dump", path)
	if err != nil {
		t.Fatalf("log dump: %v", err)
	}
	for _, want := range []string{"p0 primary transno=3", "batch 9 master_seq=77 ops=1", "write", "1 records"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("dump output missing %q:\n%s", want, stdout)
		}
	}

	stdout, _, err = executeRootCommand(t, "log", "dump", "--batch", "10", path)
	if err != nil {
		t.Fatalf("log dump --batch: %v", err)
	}
	if !strings.HasPrefix(stdout, "0 records") {
		t.Fatalf("expected filtered dump to be empty:\n%s", stdout)
	}
}

func TestLogDumpTemplateURL(t *testing.T) {
	dir := t.TempDir()
	writeTestLog(t, filepath.Join(dir, "p0.log"))
	stdout, _, err := executeRootCommand(t, "log", "dump", "-p", "0", filepath.Join(dir, "{participant}.log"))
	if err != nil {
		t.Fatalf("log dump: %v", err)
	}
	if !strings.Contains(stdout, "batch 9") {
		t.Fatalf("unexpected dump output:\n%s", stdout)
	}
}

func TestReplayRunRedrivesLostParticipant(t *testing.T) {
	dir := t.TempDir()
	logURL := filepath.Join(dir, "{participant}.log")
	ctx := context.Background()
	node, err := dtxn.NewNode(ctx, dtxn.Config{Ranges: testRanges, LogURL: logURL, NoSync: true})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	b := node.NewBuilder(5)
	file := dtxn.Attr{Valid: update.ValidMode, Mode: update.ModeRegular | 0o600}
	if err := b.Pack(dtxn.NewFID(0x1000, 2), dtxn.Create{Attr: file}); err != nil {
		t.Fatalf("pack: %v", err)
	}
	if err := b.Pack(dtxn.NewFID(0x2000, 2), dtxn.Create{Attr: file}); err != nil {
		t.Fatalf("pack: %v", err)
	}
	if _, err := node.Submit(ctx, dtxn.NewTag(), b.Seal()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := node.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "p1.log")); err != nil {
		t.Fatalf("remove p1 log: %v", err)
	}

	stdout, _, err := executeRootCommand(t, append([]string{"replay", "plan"}, rangeArgs(logURL)...)...)
	if err != nil {
		t.Fatalf("replay plan: %v", err)
	}
	if !strings.Contains(stdout, "batch=5") || !strings.Contains(stdout, "p0=committed") || !strings.Contains(stdout, "p1=pending") {
		t.Fatalf("unexpected plan:\n%s", stdout)
	}

	stdout, _, err = executeRootCommand(t, append([]string{"replay", "run"}, rangeArgs(logURL)...)...)
	if err != nil {
		t.Fatalf("replay run: %v\n%s", err, stdout)
	}
	if !strings.Contains(stdout, "redriven=1") || !strings.Contains(stdout, "remaining=0") {
		t.Fatalf("unexpected report:\n%s", stdout)
	}

	stdout, _, err = executeRootCommand(t, "log", "header", filepath.Join(dir, "p1.log"))
	if err != nil {
		t.Fatalf("log header: %v", err)
	}
	if !strings.Contains(stdout, "records:      1") {
		t.Fatalf("redrive did not log on p1:\n%s", stdout)
	}
}

func TestReplayPlanFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "dtxn.yaml")
	body := "range:\n  - 0x1000-0x2000=0\nlog-url: " + filepath.Join(dir, "{participant}.log") + "\nno-sync: true\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	stdout, _, err := executeRootCommand(t, "replay", "plan", "--config", cfgPath)
	if err != nil {
		t.Fatalf("replay plan: %v", err)
	}
	if strings.TrimSpace(stdout) != "nothing to replay" {
		t.Fatalf("unexpected plan output %q", stdout)
	}
	if _, err := os.Stat(filepath.Join(dir, "p0.log")); err != nil {
		t.Fatalf("expected participant log to be created: %v", err)
	}
}

func TestReplayRequiresRanges(t *testing.T) {
	_, _, err := executeRootCommand(t, "replay", "plan")
	if err == nil || !strings.Contains(err.Error(), "range") {
		t.Fatalf("expected missing range error, got %v", err)
	}
}

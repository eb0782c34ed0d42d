package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/locutus/lfsync/pkg/diag"
	"github.com/locutus/lfsync/pkg/telemetry"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func testRom(seed byte, words int) []byte {
	out := make([]byte, 2*words)
	for i := range out {
		out[i] = 0x02 + (seed+byte(i))%0x3D
	}
	return out
}

func TestClassifyCommand(t *testing.T) {
	out, err := runCLI(t, "classify", "--json", "--origin", "lfs", "0x01")
	if err != nil {
		t.Fatalf("classify error = %v", err)
	}
	var descs []diag.Descriptor
	if err := json.Unmarshal([]byte(out), &descs); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if len(descs) != 1 || descs[0].Origin != diag.OriginLfs || descs[0].Code != 0x01 {
		t.Errorf("unexpected descriptors %+v", descs)
	}

	out, err = runCLI(t, "classify", "--list", "--origin", "luigi")
	if err != nil {
		t.Fatalf("classify --list error = %v", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n")[1:] {
		if !strings.HasPrefix(line, "luigi") {
			t.Errorf("expected only luigi codes, got %q", line)
		}
	}

	if _, err := runCLI(t, "classify"); err == nil {
		t.Error("expected error without a code")
	}
	if _, err := runCLI(t, "classify", "banana"); err == nil {
		t.Error("expected error for a malformed code")
	}
}

// newWorkspace initialises a workspace holding two ROMs and a layout using
// them, and returns the config path.
func newWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if _, err := runCLI(t, "init", "--dir", dir); err != nil {
		t.Fatalf("init error = %v", err)
	}
	files := map[string][]byte{
		"roms/astro.bin":    testRom(1, 32),
		"roms/baseball.bin": testRom(2, 16),
		"menu.cue": []byte(`menu: {
	root: "roms"
	items: [
		{name: "Astrosmash", rom: "astro.bin"},
		{name: "Sports", items: [{name: "Baseball", rom: "baseball.bin"}]},
	]
}
`),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return filepath.Join(dir, "lfsync.yaml")
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	if _, err := runCLI(t, "init", "--dir", dir); err != nil {
		t.Fatalf("init error = %v", err)
	}
	for _, name := range []string{"lfsync.yaml", "menu.cue", "lfsync.db", "roms", "device"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
	if _, err := runCLI(t, "validate", "-c", filepath.Join(dir, "lfsync.yaml")); err != nil {
		t.Errorf("sample layout should validate: %v", err)
	}
	if _, err := runCLI(t, "init", "--dir", dir); err == nil {
		t.Error("expected init to refuse an existing configuration")
	}
}

func TestValidateCommand(t *testing.T) {
	cfg := newWorkspace(t)

	out, err := runCLI(t, "validate", "--build", "-c", cfg)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.Contains(out, "2 files in 1 directories") {
		t.Errorf("unexpected output %q", out)
	}

	bad := filepath.Join(filepath.Dir(cfg), "bad.cue")
	if err := os.WriteFile(bad, []byte(`menu: {items: [{name: "a/b", rom: "x.bin"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "validate", "-c", cfg, bad); err == nil {
		t.Error("expected validation failure")
	}
}

type syncResult struct {
	Outcome string `json:"outcome"`
	Planned int    `json:"planned"`
	Applied int    `json:"applied"`
}

func TestSyncCommand(t *testing.T) {
	cfg := newWorkspace(t)

	out, err := runCLI(t, "sync", "--json", "-c", cfg)
	if err != nil {
		t.Fatalf("sync error = %v\n%s", err, out)
	}
	var first syncResult
	if err := json.Unmarshal([]byte(out), &first); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if first.Outcome != "settled" || first.Planned != 3 || first.Applied != first.Planned {
		t.Errorf("unexpected first sync %+v", first)
	}

	// The emulator persisted its state, so the next sync has nothing to do.
	out, err = runCLI(t, "sync", "--json", "-c", cfg)
	if err != nil {
		t.Fatalf("second sync error = %v", err)
	}
	var second syncResult
	if err := json.Unmarshal([]byte(out), &second); err != nil {
		t.Fatal(err)
	}
	if second.Planned != 0 {
		t.Errorf("expected an empty plan, got %d ops", second.Planned)
	}

	out, err = runCLI(t, "plan", "-c", cfg, "--dot", filepath.Join(filepath.Dir(cfg), "plan.dot"))
	if err != nil {
		t.Fatalf("plan error = %v", err)
	}
	if !strings.Contains(out, "up to date") {
		t.Errorf("expected an up to date device, got %q", out)
	}

	out, err = runCLI(t, "status", "--json", "-c", cfg)
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	var sessions []struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal([]byte(out), &sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) < 2 || sessions[0].DeviceID != "LTO-EMU" {
		t.Errorf("expected the syncs journaled, got %+v", sessions)
	}
}

func TestDevicesCommand(t *testing.T) {
	cfg := newWorkspace(t)
	if _, err := runCLI(t, "sync", "-c", cfg); err != nil {
		t.Fatalf("sync error = %v", err)
	}

	type device struct {
		ID     string `json:"id"`
		Active bool   `json:"active"`
	}
	list := func() []device {
		out, err := runCLI(t, "devices", "--json", "-c", cfg)
		if err != nil {
			t.Fatalf("devices error = %v", err)
		}
		var ds []device
		if err := json.Unmarshal([]byte(out), &ds); err != nil {
			t.Fatal(err)
		}
		return ds
	}

	if ds := list(); len(ds) != 1 || ds[0].ID != "LTO-EMU" || !ds[0].Active {
		t.Fatalf("expected the emulator registered and active, got %+v", ds)
	}
	if _, err := runCLI(t, "devices", "deactivate", "LTO-EMU", "-c", cfg); err != nil {
		t.Fatal(err)
	}
	if ds := list(); ds[0].Active {
		t.Error("expected the device inactive")
	}
	if _, err := runCLI(t, "devices", "activate", "LTO-404", "-c", cfg); err == nil {
		t.Error("expected error for an unknown device")
	}
	if _, err := runCLI(t, "devices", "forget", "LTO-EMU", "-c", cfg); err != nil {
		t.Fatal(err)
	}
	if ds := list(); len(ds) != 0 {
		t.Errorf("expected no devices, got %+v", ds)
	}
}

func TestTranscodeCommand(t *testing.T) {
	cfg := newWorkspace(t)
	rom := filepath.Join(filepath.Dir(cfg), "roms", "astro.bin")

	out, err := runCLI(t, "transcode", "--json", "-c", cfg, rom)
	if err != nil {
		t.Fatalf("transcode error = %v", err)
	}
	var res struct {
		Out    string `json:"out"`
		Source string `json:"source"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatal(err)
	}
	if res.Out != strings.TrimSuffix(rom, ".bin")+".luigi" {
		t.Errorf("unexpected output path %s", res.Out)
	}
	if _, err := os.Stat(res.Out); err != nil {
		t.Errorf("container not written: %v", err)
	}

	if _, err := runCLI(t, "transcode", "-c", cfg, "--mode", "turbo", rom); err == nil {
		t.Error("expected error for an unknown mode")
	}
}

func TestWarnUnpublished(t *testing.T) {
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	if err := events.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	warnUnpublished(logger, telemetry.EventTypeLayoutChanged, events.PublishLayoutChanged("layout.yaml"))
	line := buf.String()
	if !strings.Contains(line, `"level":"warn"`) || !strings.Contains(line, telemetry.EventTypeLayoutChanged) {
		t.Errorf("Expected a warning naming the event, got %q", line)
	}
	if !strings.Contains(line, telemetry.ErrPublisherClosed.Error()) {
		t.Errorf("Expected the publish error in the warning, got %q", line)
	}

	buf.Reset()
	warnUnpublished(logger, telemetry.EventTypeLayoutChanged, nil)
	if buf.Len() != 0 {
		t.Errorf("Expected nothing logged on success, got %q", buf.String())
	}
}

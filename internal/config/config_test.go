package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dantte-lp/gobfd/internal/config"
)

func TestDefaultDaemon(t *testing.T) {
	t.Parallel()

	d := config.DefaultDaemon()
	if d.MetricsAddr != ":9100" {
		t.Errorf("MetricsAddr = %q, want %q", d.MetricsAddr, ":9100")
	}
	if d.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", d.LogLevel, "info")
	}
	if d.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want %q", d.LogFormat, "json")
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := config.ParseLogLevel(tc.in); got != tc.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseInstancesBasic(t *testing.T) {
	t.Parallel()

	input := `
# a comment
bfd_instance peer1 {
    neighbor_ip 203.0.113.1
    source_ip   203.0.113.254
    min_rx      50
    min_tx      50
    idle_tx     2000
    multiplier  5
}

bfd_instance peer2 {
    neighbor_ip 203.0.113.2
    disabled
}
`
	specs, err := config.ParseInstances(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseInstances: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("len(specs) = %d, want 2", len(specs))
	}

	p1 := specs[0]
	if p1.Name != "peer1" || p1.NeighborIP != "203.0.113.1" || p1.SourceIP != "203.0.113.254" {
		t.Errorf("peer1 = %+v, unexpected fields", p1)
	}
	if p1.MinRxMs != 50 || p1.MinTxMs != 50 || p1.IdleTxMs != 2000 || p1.Multiplier != 5 {
		t.Errorf("peer1 numeric fields = %+v, unexpected", p1)
	}
	if p1.Disabled {
		t.Error("peer1 should not be disabled")
	}

	p2 := specs[1]
	if !p2.Disabled {
		t.Error("peer2 should be disabled")
	}
}

func TestParseInstancesDefaults(t *testing.T) {
	t.Parallel()

	input := `
bfd_instance onlyneighbor {
    neighbor_ip 203.0.113.9
}
`
	specs, err := config.ParseInstances(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseInstances: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("len(specs) = %d, want 1", len(specs))
	}
	got := specs[0]
	if got.MinRxMs != 10 || got.MinTxMs != 10 || got.IdleTxMs != 1000 || got.Multiplier != 3 {
		t.Errorf("defaults = %+v, want min_rx=10 min_tx=10 idle_tx=1000 multiplier=3", got)
	}
}

func TestParseInstancesMissingNeighborIsError(t *testing.T) {
	t.Parallel()

	input := `
bfd_instance noneighbor {
    min_tx 50
}
`
	_, err := config.ParseInstances(strings.NewReader(input))
	if !errors.Is(err, config.ErrMissingNeighbor) {
		t.Fatalf("err = %v, want ErrMissingNeighbor", err)
	}
}

func TestParseInstancesUnterminatedBlock(t *testing.T) {
	t.Parallel()

	input := `
bfd_instance noend {
    neighbor_ip 203.0.113.1
`
	_, err := config.ParseInstances(strings.NewReader(input))
	if !errors.Is(err, config.ErrUnterminatedBlock) {
		t.Fatalf("err = %v, want ErrUnterminatedBlock", err)
	}
}

func TestParseInstancesNestedBlockIsError(t *testing.T) {
	t.Parallel()

	input := `
bfd_instance outer {
    neighbor_ip 203.0.113.1
    bfd_instance inner {
}
`
	_, err := config.ParseInstances(strings.NewReader(input))
	if !errors.Is(err, config.ErrNestedBlock) {
		t.Fatalf("err = %v, want ErrNestedBlock", err)
	}
}

func TestParseInstancesUnknownKey(t *testing.T) {
	t.Parallel()

	input := `
bfd_instance bad {
    neighbor_ip 203.0.113.1
    bogus_key 1
}
`
	_, err := config.ParseInstances(strings.NewReader(input))
	if !errors.Is(err, config.ErrUnexpectedToken) {
		t.Fatalf("err = %v, want ErrUnexpectedToken", err)
	}
}

func TestResolveRangeChecksDisableOutOfRange(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	specs := []config.InstanceSpec{
		{Name: "toohigh", NeighborIP: "203.0.113.1", MinRxMs: 5000, MinTxMs: 10, IdleTxMs: 1000, Multiplier: 3},
		{Name: "toolow", NeighborIP: "203.0.113.2", MinRxMs: 10, MinTxMs: 10, IdleTxMs: 100, Multiplier: 3},
		{Name: "badmult", NeighborIP: "203.0.113.3", MinRxMs: 10, MinTxMs: 10, IdleTxMs: 1000, Multiplier: 11},
		{Name: "good", NeighborIP: "203.0.113.4", MinRxMs: 10, MinTxMs: 10, IdleTxMs: 1000, Multiplier: 3},
	}

	got := config.Resolve(specs, logger)
	if len(got) != 4 {
		t.Fatalf("len(got) = %d, want 4", len(got))
	}
	for _, r := range got {
		wantDisabled := r.Name != "good"
		if r.Disabled != wantDisabled {
			t.Errorf("instance %q Disabled = %v, want %v", r.Name, r.Disabled, wantDisabled)
		}
	}
}

func TestResolveTruncatesLongNames(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	longName := strings.Repeat("x", 40)
	specs := []config.InstanceSpec{
		{Name: longName, NeighborIP: "203.0.113.1", MinRxMs: 10, MinTxMs: 10, IdleTxMs: 1000, Multiplier: 3},
	}

	got := config.Resolve(specs, logger)
	if len(got[0].Name) != 31 {
		t.Errorf("len(Name) = %d, want 31", len(got[0].Name))
	}
	if !got[0].Disabled {
		t.Error("instance with truncated name should be disabled")
	}
}

func TestResolveRenamesDuplicateNames(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	specs := []config.InstanceSpec{
		{Name: "dup", NeighborIP: "203.0.113.1", MinRxMs: 10, MinTxMs: 10, IdleTxMs: 1000, Multiplier: 3},
		{Name: "dup", NeighborIP: "203.0.113.2", MinRxMs: 10, MinTxMs: 10, IdleTxMs: 1000, Multiplier: 3},
	}

	got := config.Resolve(specs, logger)
	if got[0].Name != "dup" || got[0].Disabled {
		t.Errorf("first instance = %+v, want Name=dup Disabled=false", got[0])
	}
	if got[1].Name != "<DUP-1>" || !got[1].Disabled {
		t.Errorf("second instance = %+v, want Name=<DUP-1> Disabled=true", got[1])
	}
}

func TestResolveSnapsToCommonInterval(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	specs := []config.InstanceSpec{
		{Name: "offgrid", NeighborIP: "203.0.113.5", MinRxMs: 15, MinTxMs: 70, IdleTxMs: 1000, Multiplier: 3},
		{Name: "ongrid", NeighborIP: "203.0.113.6", MinRxMs: 50, MinTxMs: 100, IdleTxMs: 1000, Multiplier: 3},
	}

	got := config.Resolve(specs, logger)

	// 15ms has no exact RFC 7419 match; it should round up to 20ms.
	if got[0].RequiredMinRx != 20*time.Millisecond {
		t.Errorf("offgrid RequiredMinRx = %v, want 20ms (snapped)", got[0].RequiredMinRx)
	}
	// 70ms rounds up to 100ms, the next common value above 50ms.
	if got[0].DesiredMinTx != 100*time.Millisecond {
		t.Errorf("offgrid DesiredMinTx = %v, want 100ms (snapped)", got[0].DesiredMinTx)
	}
	if got[0].Disabled {
		t.Error("offgrid should not be disabled merely for being snapped")
	}

	// Values that already match a common interval pass through untouched.
	if got[1].RequiredMinRx != 50*time.Millisecond {
		t.Errorf("ongrid RequiredMinRx = %v, want 50ms (already common)", got[1].RequiredMinRx)
	}
	if got[1].DesiredMinTx != 100*time.Millisecond {
		t.Errorf("ongrid DesiredMinTx = %v, want 100ms (already common)", got[1].DesiredMinTx)
	}
}

func TestResolveInvalidNeighborDisables(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	specs := []config.InstanceSpec{
		{Name: "badip", NeighborIP: "not-an-ip", MinRxMs: 10, MinTxMs: 10, IdleTxMs: 1000, Multiplier: 3},
	}

	got := config.Resolve(specs, logger)
	if !got[0].Disabled {
		t.Error("instance with invalid neighbor_ip should be disabled")
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "gobfd.conf")
	content := `
bfd_instance peer1 {
    neighbor_ip 203.0.113.1
    min_rx      20
    min_tx      20
    idle_tx     1500
    multiplier  4
}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := config.Load(path, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Instances) != 1 {
		t.Fatalf("len(Instances) = %d, want 1", len(cfg.Instances))
	}
	inst := cfg.Instances[0]
	if inst.Name != "peer1" {
		t.Errorf("Name = %q, want peer1", inst.Name)
	}
	if inst.RequiredMinRx != 20*time.Millisecond {
		t.Errorf("RequiredMinRx = %v, want 20ms", inst.RequiredMinRx)
	}
	if inst.DesiredMinTx != 20*time.Millisecond {
		t.Errorf("DesiredMinTx = %v, want 20ms", inst.DesiredMinTx)
	}
	if inst.IdleTx != 1500*time.Millisecond {
		t.Errorf("IdleTx = %v, want 1500ms", inst.IdleTx)
	}
	if inst.DetectMult != 4 {
		t.Errorf("DetectMult = %d, want 4", inst.DetectMult)
	}
	if cfg.Daemon.MetricsAddr != ":9100" {
		t.Errorf("Daemon.MetricsAddr = %q, want default :9100", cfg.Daemon.MetricsAddr)
	}
}

func TestLoadEnvOverridesDaemonSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gobfd.conf")
	content := `
bfd_instance peer1 {
    neighbor_ip 203.0.113.1
}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("GOBFD_LOG_LEVEL", "debug")
	t.Setenv("GOBFD_METRICS_ADDR", ":19100")

	cfg, err := config.Load(path, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.LogLevel != "debug" {
		t.Errorf("Daemon.LogLevel = %q, want debug", cfg.Daemon.LogLevel)
	}
	if cfg.Daemon.MetricsAddr != ":19100" {
		t.Errorf("Daemon.MetricsAddr = %q, want :19100", cfg.Daemon.MetricsAddr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.conf"), nil)
	if err == nil {
		t.Fatal("Load of a missing file should return an error")
	}
}

package dtxn

import (
	"strings"
	"testing"
	"time"

	"pkt.systems/dtxn/internal/routing"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{Ranges: []string{"0x1000-0x2000=0"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.LogURL != DefaultLogURL {
		t.Fatalf("expected log url default %q, got %q", DefaultLogURL, cfg.LogURL)
	}
	if cfg.BufferSize != DefaultBufferSize || cfg.MaxBatchSize != DefaultMaxBatchSize || cfg.MaxOpSize != DefaultMaxOpSize {
		t.Fatalf("unexpected size defaults: %d %d %d", cfg.BufferSize, cfg.MaxBatchSize, cfg.MaxOpSize)
	}
	if cfg.MaxObjectSize != DefaultMaxObjectSize {
		t.Fatalf("expected max object size default, got %d", cfg.MaxObjectSize)
	}
	if cfg.MarkerBuffer != DefaultMarkerBuffer {
		t.Fatalf("expected marker buffer default, got %d", cfg.MarkerBuffer)
	}
	if cfg.ReplyCacheSize != DefaultReplyCacheSize || cfg.ReplyCacheTTL != DefaultReplyCacheTTL {
		t.Fatal("expected reply cache defaults")
	}
	policy := cfg.RetryPolicy()
	if policy.MaxAttempts != DefaultReplayMaxAttempts || policy.BaseDelay != DefaultReplayBaseDelay ||
		policy.MaxDelay != DefaultReplayMaxDelay || policy.Multiplier != DefaultReplayMultiplier {
		t.Fatalf("unexpected retry defaults: %+v", policy)
	}
	opts := cfg.BuilderOptions()
	if opts.BufferSize != DefaultBufferSize {
		t.Fatalf("builder buffer size %d", opts.BufferSize)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "no ranges", cfg: Config{}, want: "range"},
		{name: "bad range", cfg: Config{Ranges: []string{"10-5=0"}}, want: "empty"},
		{name: "overlap", cfg: Config{Ranges: []string{"0-10=0", "5-20=1"}}, want: "overlap"},
		{
			name: "override without range",
			cfg: Config{
				Ranges:       []string{"0-10=0"},
				Participants: []ParticipantConfig{{ID: 7, Log: "mem://x"}},
			},
			want: "owns no range",
		},
		{
			name: "duplicate override",
			cfg: Config{
				Ranges:       []string{"0-10=0"},
				Participants: []ParticipantConfig{{ID: 0, Log: "mem://a"}, {ID: 0, Log: "mem://b"}},
			},
			want: "twice",
		},
		{
			name: "buffer over max",
			cfg:  Config{Ranges: []string{"0-10=0"}, BufferSize: 4096, MaxBatchSize: 1024},
			want: "buffer size",
		},
		{
			name: "op over max",
			cfg:  Config{Ranges: []string{"0-10=0"}, MaxOpSize: 4096, MaxBatchSize: 1024, BufferSize: 512},
			want: "max op size",
		},
		{
			name: "profiling without metrics",
			cfg:  Config{Ranges: []string{"0-10=0"}, EnableProfilingMetrics: true},
			want: "profiling",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestConfigParticipants(t *testing.T) {
	cfg := Config{
		Ranges:       []string{"0x3000-0x4000=2", "0x1000-0x2000=0", "0x4000-0x5000=2"},
		LogURL:       "disk:///var/lib/dtxn/{participant}.log",
		Participants: []ParticipantConfig{{ID: 0, Log: "s3://logs/cluster"}},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	ids := cfg.ParticipantIDs()
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 2 {
		t.Fatalf("unexpected participants %v", ids)
	}
	if got := cfg.ParticipantLogURL(0); got != "s3://logs/cluster" {
		t.Fatalf("override log url: %q", got)
	}
	if got := cfg.ParticipantLogURL(routing.ParticipantID(2)); got != "disk:///var/lib/dtxn/p2.log" {
		t.Fatalf("template log url: %q", got)
	}
	if n := len(cfg.RoutingRanges()); n != 3 {
		t.Fatalf("expected 3 ranges, got %d", n)
	}
}

func TestConfigReplayDelayClamp(t *testing.T) {
	cfg := Config{
		Ranges:          []string{"0-10=0"},
		ReplayBaseDelay: 2 * time.Second,
		ReplayMaxDelay:  time.Second,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ReplayMaxDelay != 2*time.Second {
		t.Fatalf("expected max delay clamped to base delay, got %s", cfg.ReplayMaxDelay)
	}
}

package dtxn

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"pkt.systems/dtxn/internal/clock"
	"pkt.systems/dtxn/internal/objstore"
	"pkt.systems/dtxn/internal/replay"
	"pkt.systems/dtxn/internal/replycache"
	"pkt.systems/dtxn/internal/routing"
	"pkt.systems/dtxn/internal/update"
	"pkt.systems/dtxn/internal/updatelog"
	"pkt.systems/pslog"
)

const (
	// DefaultBufferSize is the initial capacity of a batch builder.
	DefaultBufferSize = update.DefaultBufferSize
	// DefaultMaxBatchSize bounds an encoded batch.
	DefaultMaxBatchSize = update.DefaultMaxBatchSize
	// DefaultMaxOpSize bounds a single operation including its parameters.
	DefaultMaxOpSize = update.DefaultMaxOpSize
	// DefaultMaxObjectSize bounds the data of one stored object.
	DefaultMaxObjectSize = objstore.DefaultMaxObjectSize
	// DefaultLogURL places every participant log in process memory.
	DefaultLogURL = "mem://dtxn"
	// DefaultMarkerBuffer sizes the channel commit callbacks post markers into.
	DefaultMarkerBuffer = 64
	// DefaultReplyCacheSize caps how many replies are kept for resend reconstruction.
	DefaultReplyCacheSize = replycache.DefaultCapacity
	// DefaultReplyCacheTTL bounds how long a reply may be reconstructed.
	DefaultReplyCacheTTL = replycache.DefaultTTL
	// DefaultReplayMaxAttempts bounds how often replay drives one request.
	DefaultReplayMaxAttempts = 3
	// DefaultReplayBaseDelay is the first backoff between replay attempts.
	DefaultReplayBaseDelay = 100 * time.Millisecond
	// DefaultReplayMaxDelay caps the replay backoff.
	DefaultReplayMaxDelay = 5 * time.Second
	// DefaultReplayMultiplier is the exponential replay backoff ratio.
	DefaultReplayMultiplier = 2.0
	// DefaultConfigFileName is the file the CLI loads from DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// ParticipantConfig overrides the log location of one participant.
type ParticipantConfig struct {
	ID  uint32 `yaml:"id" mapstructure:"id"`
	Log string `yaml:"log" mapstructure:"log"`
}

// Config captures the tunables for a Node.
type Config struct {
	// Ranges assigns FID sequence ranges to participants, each written as
	// "start-end=participant" with an exclusive end. The set of participants
	// is the set of range owners.
	Ranges []string
	// LogURL is the update log location. "{participant}" is replaced with
	// the participant id; S3 URLs get the participant appended instead.
	LogURL string
	// Participants overrides LogURL for individual participants.
	Participants []ParticipantConfig
	// NoSync skips fsync on disk logs.
	NoSync bool

	BufferSize   int
	MaxBatchSize int
	MaxOpSize    int

	// MaxCredits bounds declares per sub-transaction; zero is unlimited.
	MaxCredits int
	// MaxObjects bounds objects per participant store; zero is unlimited.
	MaxObjects int
	// MaxOpenTxns bounds concurrently open transactions per participant.
	MaxOpenTxns int64
	// MaxObjectSize bounds the end offset of a write; larger writes fail at
	// declare time with EFBIG.
	MaxObjectSize int64

	MarkerBuffer int

	ReplyCacheSize int
	ReplyCacheTTL  time.Duration

	ReplayMaxAttempts int
	ReplayBaseDelay   time.Duration
	ReplayMaxDelay    time.Duration
	ReplayMultiplier  float64

	// MetricsListen serves the Prometheus scrape endpoint when set.
	MetricsListen string
	// PprofListen serves net/http/pprof when set.
	PprofListen string
	// OTLPEndpoint exports traces over OTLP (grpc://, grpcs://, http://, https://).
	OTLPEndpoint string
	// EnableProfilingMetrics adds Go runtime metrics to the scrape endpoint.
	EnableProfilingMetrics bool

	Logger pslog.Logger
	Clock  clock.Clock

	ranges []routing.Range
}

// Validate fills defaults and rejects configurations a Node cannot run with.
func (c *Config) Validate() error {
	if len(c.Ranges) == 0 {
		return fmt.Errorf("config: at least one participant range is required")
	}
	c.ranges = c.ranges[:0]
	for _, raw := range c.Ranges {
		r, err := routing.ParseRange(raw)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		c.ranges = append(c.ranges, r)
	}
	if _, err := routing.NewTable(c.ranges...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if strings.TrimSpace(c.LogURL) == "" {
		c.LogURL = DefaultLogURL
	}
	owners := c.ParticipantIDs()
	seen := make(map[uint32]struct{}, len(c.Participants))
	for _, p := range c.Participants {
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("config: participant %d listed twice", p.ID)
		}
		seen[p.ID] = struct{}{}
		if !slices.Contains(owners, routing.ParticipantID(p.ID)) {
			return fmt.Errorf("config: participant %d owns no range", p.ID)
		}
		if strings.TrimSpace(p.Log) == "" {
			return fmt.Errorf("config: participant %d has an empty log url", p.ID)
		}
	}

	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.BufferSize > c.MaxBatchSize {
		return fmt.Errorf("config: buffer size %d exceeds max batch size %d", c.BufferSize, c.MaxBatchSize)
	}
	if c.MaxOpSize <= 0 {
		c.MaxOpSize = DefaultMaxOpSize
	}
	if c.MaxOpSize > c.MaxBatchSize {
		return fmt.Errorf("config: max op size %d exceeds max batch size %d", c.MaxOpSize, c.MaxBatchSize)
	}
	if c.MaxCredits < 0 || c.MaxObjects < 0 || c.MaxOpenTxns < 0 || c.MaxObjectSize < 0 {
		return fmt.Errorf("config: store limits must be >= 0")
	}
	if c.MaxObjectSize == 0 {
		c.MaxObjectSize = DefaultMaxObjectSize
	}
	if c.MarkerBuffer <= 0 {
		c.MarkerBuffer = DefaultMarkerBuffer
	}
	if c.ReplyCacheSize < 0 {
		return fmt.Errorf("config: reply cache size must be >= 0")
	}
	if c.ReplyCacheSize == 0 {
		c.ReplyCacheSize = DefaultReplyCacheSize
	}
	if c.ReplyCacheTTL <= 0 {
		c.ReplyCacheTTL = DefaultReplyCacheTTL
	}
	if c.ReplayMaxAttempts <= 0 {
		c.ReplayMaxAttempts = DefaultReplayMaxAttempts
	}
	if c.ReplayBaseDelay <= 0 {
		c.ReplayBaseDelay = DefaultReplayBaseDelay
	}
	if c.ReplayMaxDelay <= 0 {
		c.ReplayMaxDelay = DefaultReplayMaxDelay
	}
	if c.ReplayMaxDelay < c.ReplayBaseDelay {
		c.ReplayMaxDelay = c.ReplayBaseDelay
	}
	if c.ReplayMultiplier < 1 {
		c.ReplayMultiplier = DefaultReplayMultiplier
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require a metrics listen address")
	}
	return nil
}

// RoutingRanges returns the parsed ranges. Validate must have succeeded.
func (c *Config) RoutingRanges() []routing.Range {
	return slices.Clone(c.ranges)
}

// ParticipantIDs returns every range owner in ascending order.
func (c *Config) ParticipantIDs() []routing.ParticipantID {
	var ids []routing.ParticipantID
	for _, r := range c.ranges {
		if !slices.Contains(ids, r.Participant) {
			ids = append(ids, r.Participant)
		}
	}
	slices.Sort(ids)
	return ids
}

// ParticipantLogURL resolves the log location of participant p.
func (c *Config) ParticipantLogURL(p routing.ParticipantID) string {
	for _, pc := range c.Participants {
		if routing.ParticipantID(pc.ID) == p {
			return pc.Log
		}
	}
	return updatelog.ParticipantURL(c.LogURL, p)
}

// BuilderOptions returns the batch builder bounds.
func (c *Config) BuilderOptions() update.BuilderOptions {
	return update.BuilderOptions{
		BufferSize:   c.BufferSize,
		MaxBatchSize: c.MaxBatchSize,
		MaxOpSize:    c.MaxOpSize,
	}
}

// RetryPolicy returns the replay retry policy.
func (c *Config) RetryPolicy() replay.RetryPolicy {
	return replay.RetryPolicy{
		MaxAttempts: c.ReplayMaxAttempts,
		BaseDelay:   c.ReplayBaseDelay,
		MaxDelay:    c.ReplayMaxDelay,
		Multiplier:  c.ReplayMultiplier,
	}
}

// DefaultConfigDir returns $HOME/.dtxn.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".dtxn"), nil
}

package updatelog

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"pkt.systems/dtxn/internal/routing"
)

var (
	memLogsMu sync.Mutex
	memLogs   = map[string]*Memory{}
)

// Open opens the log named by rawURL:
//
//	mem://name                     process-local log, reopened by name
//	disk:///var/lib/dtxn/p0.log    file log (file:// and bare paths work too)
//	s3://bucket/prefix?endpoint=host:9000&region=us-east-1&insecure=1&path-style=1
//
// For writable S3 logs the participant is appended to the prefix.
func Open(ctx context.Context, rawURL string, opts Options) (Log, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("updatelog: empty log url")
	}
	if !strings.Contains(rawURL, "://") {
		return OpenFile(filepath.Clean(rawURL), opts)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("updatelog: parse %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "mem":
		return openNamedMemory(u.Host+u.Path, opts)
	case "disk", "file":
		p := u.Path
		if u.Host != "" {
			p = filepath.Join(u.Host, p)
		}
		if p == "" {
			return nil, fmt.Errorf("updatelog: %q has no path", rawURL)
		}
		return OpenFile(p, opts)
	case "s3":
		cfg, err := s3ConfigFromURL(u)
		if err != nil {
			return nil, err
		}
		return OpenS3(ctx, cfg, opts)
	default:
		return nil, fmt.Errorf("updatelog: unsupported scheme %q", u.Scheme)
	}
}

// openNamedMemory reopens a process-local log from its current image, the
// way a disk log is reopened from its file. Read-only opens get a snapshot.
func openNamedMemory(name string, opts Options) (Log, error) {
	memLogsMu.Lock()
	defer memLogsMu.Unlock()
	key := name + "#" + opts.Participant.String()
	prev, ok := memLogs[key]
	if opts.ReadOnly {
		if !ok {
			for k, l := range memLogs {
				if strings.HasPrefix(k, name+"#") {
					prev, ok = l, true
					break
				}
			}
		}
		if !ok {
			return nil, fmt.Errorf("%w: no memory log %q", ErrCorrupt, name)
		}
		l, err := OpenMemory(prev.Bytes(), opts)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	if !ok {
		l := NewMemory(opts.Participant)
		memLogs[key] = l
		return l, nil
	}
	l, err := OpenMemory(prev.Bytes(), opts)
	if err != nil {
		return nil, err
	}
	memLogs[key] = l
	return l, nil
}

func s3ConfigFromURL(u *url.URL) (S3Config, error) {
	q := u.Query()
	cfg := S3Config{
		Bucket:   u.Host,
		Prefix:   strings.Trim(u.Path, "/"),
		Endpoint: q.Get("endpoint"),
		Region:   q.Get("region"),
	}
	if cfg.Bucket == "" {
		return S3Config{}, fmt.Errorf("updatelog: s3 url %q has no bucket", u.String())
	}
	var err error
	if v := q.Get("insecure"); v != "" {
		if cfg.Insecure, err = strconv.ParseBool(v); err != nil {
			return S3Config{}, fmt.Errorf("updatelog: s3 insecure=%q: %w", v, err)
		}
	}
	if v := q.Get("path-style"); v != "" {
		if cfg.ForcePathStyle, err = strconv.ParseBool(v); err != nil {
			return S3Config{}, fmt.Errorf("updatelog: s3 path-style=%q: %w", v, err)
		}
	}
	return cfg, nil
}

// ParticipantURL expands a "{participant}" placeholder in a log URL template.
func ParticipantURL(template string, p routing.ParticipantID) string {
	return strings.ReplaceAll(template, "{participant}", p.String())
}

package updatelog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/dtxn/internal/loggingutil"
	"pkt.systems/pslog"
)

// S3Config locates a log in S3-compatible object storage.
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// S3 is a Log that stores the header and every record as separate objects
// under <prefix>/<participant>/. Record offsets are 1-based sequence
// numbers encoded in the object key.
type S3 struct {
	client   *minio.Client
	cfg      S3Config
	root     string
	readOnly bool
	logger   pslog.Logger

	mu     sync.Mutex
	header Header
	next   uint64
	closed bool
}

const (
	s3HeaderObject = "header"
	s3RecordSuffix = ".rec"
)

// OpenS3 opens or creates a log in the configured bucket.
func OpenS3(ctx context.Context, cfg S3Config, opts Options) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("updatelog: s3 bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("updatelog: s3 client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	l := &S3{
		client:   client,
		cfg:      cfg,
		readOnly: opts.ReadOnly,
		logger:   loggingutil.WithSubsystem(opts.Logger, "updatelog.s3"),
	}
	if err := l.load(ctx, opts); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *S3) participantRoot(p string) string {
	if l.cfg.Prefix == "" {
		return p
	}
	return path.Join(l.cfg.Prefix, p)
}

func (l *S3) recordKey(offset uint64) string {
	return path.Join(l.root, fmt.Sprintf("%020d%s", offset, s3RecordSuffix))
}

func (l *S3) load(ctx context.Context, opts Options) error {
	l.root = l.participantRoot(opts.Participant.String())
	if opts.ReadOnly {
		// the prefix itself names the participant directory when inspecting
		l.root = l.cfg.Prefix
	}
	raw, err := l.get(ctx, path.Join(l.root, s3HeaderObject))
	switch {
	case err == nil:
		hdr, err := decodeLogHeader(raw)
		if err != nil {
			return err
		}
		if !opts.ReadOnly && hdr.Participant != opts.Participant {
			return fmt.Errorf("%w: log belongs to %s, opened as %s", ErrParticipant, hdr.Participant, opts.Participant)
		}
		l.header = hdr
	case isNotFound(err) && !opts.ReadOnly:
		l.header = Header{Participant: opts.Participant, WriterID: newWriterID(), Created: time.Now().UTC()}
		if err := l.put(ctx, path.Join(l.root, s3HeaderObject), encodeLogHeader(l.header)); err != nil {
			return err
		}
	case isNotFound(err):
		return fmt.Errorf("%w: no log header under %s", ErrCorrupt, l.root)
	default:
		return err
	}
	var records, last uint64
	listPrefix := l.root + "/"
	for object := range l.client.ListObjects(ctx, l.cfg.Bucket, minio.ListObjectsOptions{Prefix: listPrefix, Recursive: true}) {
		if object.Err != nil {
			return fmt.Errorf("updatelog: s3 list: %w", object.Err)
		}
		name := strings.TrimPrefix(object.Key, listPrefix)
		if !strings.HasSuffix(name, s3RecordSuffix) {
			continue
		}
		offset, err := strconv.ParseUint(strings.TrimSuffix(name, s3RecordSuffix), 10, 64)
		if err != nil {
			continue
		}
		records++
		if offset > last {
			last = offset
		}
	}
	if records != last {
		return fmt.Errorf("%w: %d records but highest offset %d", ErrCorrupt, records, last)
	}
	l.next = last + 1
	l.header.Records = records
	l.header.FirstOffset = 1
	l.header.NextOffset = l.next
	return nil
}

func (l *S3) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := l.client.GetObject(ctx, l.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (l *S3) put(ctx context.Context, key string, data []byte) error {
	_, err := l.client.PutObject(ctx, l.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("updatelog: s3 put %s: %w", key, err)
	}
	return nil
}

// Append implements Log.
func (l *S3) Append(ctx context.Context, rec Record) (uint64, error) {
	if rec.Batch == nil {
		return 0, errors.New("updatelog: append without batch")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	if l.readOnly {
		return 0, ErrReadOnly
	}
	if rec.Participant != l.header.Participant {
		return 0, fmt.Errorf("%w: record for %s in log of %s", ErrParticipant, rec.Participant, l.header.Participant)
	}
	offset := l.next
	start := time.Now()
	if err := l.put(ctx, l.recordKey(offset), encodeFrame(rec)); err != nil {
		return 0, err
	}
	l.logger.Trace("updatelog.s3.append",
		"participant", rec.Participant,
		"batch_id", rec.Batch.ID,
		"offset", offset,
		"elapsed", time.Since(start),
	)
	l.next++
	l.header.Records++
	l.header.NextOffset = l.next
	return offset, nil
}

// ReadFrom implements Log.
func (l *S3) ReadFrom(ctx context.Context, offset uint64) (Record, uint64, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Record{}, 0, ErrClosed
	}
	next := l.next
	l.mu.Unlock()
	if offset == 0 {
		offset = 1
	}
	if offset >= next {
		return Record{}, 0, io.EOF
	}
	raw, err := l.get(ctx, l.recordKey(offset))
	if err != nil {
		if isNotFound(err) {
			return Record{}, 0, fmt.Errorf("%w: record %d missing", ErrCorrupt, offset)
		}
		return Record{}, 0, fmt.Errorf("updatelog: s3 get record %d: %w", offset, err)
	}
	rec, err := decodeFrame(raw, offset)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, offset + 1, nil
}

// ReadHeader implements Log.
func (l *S3) ReadHeader(context.Context) (Header, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Header{}, ErrClosed
	}
	return l.header, nil
}

// Close implements Log.
func (l *S3) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound || errResp.Code == "NoSuchKey"
	}
	return false
}

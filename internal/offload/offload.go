// Package offload copies detection evidence to Tencent Cloud object storage
// (COS) so recordings survive the local retention sweep.
package offload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/tencentyun/cos-go-sdk-v5"

	"github.com/MrWong99/cradlewatch/internal/dispatch"
)

var _ dispatch.Sink = (*Sink)(nil)

// putAttempts bounds uploads of a single object.
const putAttempts = 3

// Config holds bucket credentials and layout.
type Config struct {
	// BucketURL is the bucket endpoint, e.g.
	// "https://examplebucket-1250000000.cos.ap-guangzhou.myqcloud.com".
	BucketURL string
	SecretID  string
	SecretKey string

	// Prefix is prepended to every object key.
	Prefix string
}

// Sink uploads the evidence WAV referenced by each event.
type Sink struct {
	client *cos.Client
	prefix string
}

// New creates a COS-backed [Sink].
func New(cfg Config) (*Sink, error) {
	if cfg.BucketURL == "" {
		return nil, errors.New("offload: bucket URL is empty")
	}
	u, err := url.Parse(cfg.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("offload: parse bucket URL: %w", err)
	}
	client := cos.NewClient(&cos.BaseURL{BucketURL: u}, &http.Client{
		Timeout: 30 * time.Second,
		Transport: &cos.AuthorizationTransport{
			SecretID:  cfg.SecretID,
			SecretKey: cfg.SecretKey,
		},
	})
	return &Sink{client: client, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Name implements [dispatch.Sink].
func (s *Sink) Name() string { return "offload" }

// Key returns the object key for a file recorded at ts:
// {prefix}/{yyyy}/{mm}/{dd}/{basename}.
func (s *Sink) Key(file string, ts time.Time) string {
	parts := []string{ts.Format("2006"), ts.Format("01"), ts.Format("02"), filepath.Base(file)}
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

// Publish implements [dispatch.Sink]. Events without an evidence file are
// ignored.
func (s *Sink) Publish(ctx context.Context, ev dispatch.Event) error {
	if ev.AudioFilePath == "" {
		return nil
	}
	data, err := os.ReadFile(ev.AudioFilePath)
	if err != nil {
		return fmt.Errorf("offload: read evidence: %w", err)
	}

	key := s.Key(ev.AudioFilePath, ev.Timestamp)
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{
			ContentType: "audio/wav",
		},
	}
	for attempt := range putAttempts {
		_, err = s.client.Object.Put(ctx, key, bytes.NewReader(data), opt)
		if err == nil || ctx.Err() != nil {
			break
		}
		if attempt < putAttempts-1 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
			}
		}
	}
	if err != nil {
		return fmt.Errorf("offload: put %s: %w", key, err)
	}
	return nil
}

// Package archive keeps a copy of every scanned snapshot, either in Cloud
// Storage or in a local directory.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"pkpchecker/pkg/notifier"
)

const (
	latestKey      = "latest.json"
	snapshotPrefix = "snapshots/"
)

// ErrNotFound is returned when no snapshot has been archived yet.
var ErrNotFound = errors.New("archive: snapshot not found")

// Snapshot is one scan cycle's view of the listing source.
type Snapshot struct {
	ScannedAt     time.Time           `json:"scanned_at"`
	CycleID       string              `json:"cycle_id"`
	Listings      []*notifier.Listing `json:"listings"`
	FailedSources []string            `json:"failed_sources,omitempty"`
}

// Publisher writes snapshots to a bucket, or to localPath when set.
type Publisher struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a publisher. Pass a nil client together with a localPath for
// development.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// Key returns the object name a snapshot is archived under.
func Key(snap *Snapshot) string {
	name := snap.ScannedAt.UTC().Format("20060102T150405Z")
	if snap.CycleID != "" {
		name += "-" + snap.CycleID
	}
	return snapshotPrefix + name + ".json"
}

// Publish stores snap under its own key and as the latest snapshot.
func (p *Publisher) Publish(ctx context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	key := Key(snap)
	for _, k := range []string{key, latestKey} {
		if err := p.write(ctx, k, data); err != nil {
			return err
		}
	}

	p.logger.Info("Snapshot archived", "key", key, "listings", len(snap.Listings))
	return nil
}

// Latest returns the most recently published snapshot.
func (p *Publisher) Latest(ctx context.Context) (*Snapshot, error) {
	data, err := p.read(ctx, latestKey)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// List returns archived snapshot keys, newest first, at most limit of them.
func (p *Publisher) List(ctx context.Context, limit int) ([]string, error) {
	var keys []string

	if p.localPath != "" {
		entries, err := os.ReadDir(filepath.Join(p.localPath, filepath.FromSlash(snapshotPrefix)))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local archive: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
				keys = append(keys, snapshotPrefix+e.Name())
			}
		}
	} else {
		it := p.client.Bucket(p.bucket).Objects(ctx, &storage.Query{Prefix: snapshotPrefix})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("list archive: %w", err)
			}
			keys = append(keys, attrs.Name)
		}
	}

	// Keys start with a sortable timestamp.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (p *Publisher) write(ctx context.Context, key string, data []byte) error {
	if p.localPath != "" {
		filePath := filepath.Join(p.localPath, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local archive: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			w := p.client.Bucket(p.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					p.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			p.logger.Info("Retrying archive write after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("archive %s: %w", path.Base(key), err)
	}
	return nil
}

func (p *Publisher) read(ctx context.Context, key string) ([]byte, error) {
	if p.localPath != "" {
		data, err := os.ReadFile(filepath.Join(p.localPath, filepath.FromSlash(key)))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local archive: %w", err)
		}
		return data, nil
	}

	var data []byte
	var missing bool
	err := retry.Do(
		func() error {
			r, openErr := p.client.Bucket(p.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(openErr)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					p.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			p.logger.Info("Retrying archive read after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if missing {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s after retries: %w", key, err)
	}
	return data, nil
}

// Package storage handles persistence of subscriber profiles.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"nowplaying-notifier/pkg/notifier"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"
	"google.golang.org/api/iterator"
)

const keyPrefix = "profile-"

// ErrNotFound is returned when no profile exists for a subscriber.
var ErrNotFound = errors.New("storage: profile doesn't exist")

var subscriberIDRegex = regexp.MustCompile(`^-?[A-Za-z0-9_]{1,64}$`)

// Store persists profiles as JSON documents in a local directory or a GCS bucket.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. A non-empty localPath takes precedence over GCS.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// ProfileKey returns the object name for a subscriber, or "" if the id is unsafe for a path.
func ProfileKey(subscriberID string) string {
	if !subscriberIDRegex.MatchString(subscriberID) {
		return ""
	}
	return keyPrefix + subscriberID + ".json"
}

// IsNotFound checks if an error indicates a profile was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func (s *Store) retryOptions(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(200 * time.Millisecond),
		retry.MaxDelay(2 * time.Second),
		retry.MaxJitter(200 * time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// Save writes the whole profile document in one operation.
func (s *Store) Save(ctx context.Context, p *notifier.Profile) error {
	key := ProfileKey(p.SubscriberID)
	if key == "" {
		return fmt.Errorf("invalid subscriber id %q", p.SubscriberID)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	if s.localPath != "" {
		err := retry.Do(
			func() error { return s.writeLocal(key, data) },
			s.retryOptions(ctx, "save", key)...,
		)
		if err != nil {
			return fmt.Errorf("save after retries: %w", err)
		}
		s.logger.Debug("Profile saved to local storage", "key", key, "subscriber_id", p.SubscriberID)
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		s.retryOptions(ctx, "save", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Profile saved", "key", key, "subscriber_id", p.SubscriberID)
	return nil
}

// writeLocal writes then renames so readers never observe a half-written document.
func (s *Store) writeLocal(key string, data []byte) error {
	tmp, err := os.CreateTemp(s.localPath, ".tmp-"+key)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		s.discardTemp(tmp)
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.discardTemp(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		s.logger.Warn("Failed to chmod profile", "path", tmp.Name(), "error", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.localPath, key)); err != nil {
		s.discardTemp(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (s *Store) discardTemp(f *os.File) {
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Warn("Failed to close temp file", "path", f.Name(), "error", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		s.logger.Warn("Failed to remove temp file", "path", f.Name(), "error", err)
	}
}

// Get loads the profile for a subscriber.
func (s *Store) Get(ctx context.Context, subscriberID string) (*notifier.Profile, error) {
	key := ProfileKey(subscriberID)
	if key == "" {
		return nil, ErrNotFound
	}
	return s.load(ctx, key)
}

func (s *Store) load(ctx context.Context, key string) (*notifier.Profile, error) {
	var data []byte

	if s.localPath != "" {
		err := retry.Do(
			func() error {
				var readErr error
				data, readErr = os.ReadFile(filepath.Join(s.localPath, key))
				if readErr != nil {
					if os.IsNotExist(readErr) {
						return retry.Unrecoverable(ErrNotFound)
					}
					return fmt.Errorf("read from local storage: %w", readErr)
				}
				return nil
			},
			s.retryOptions(ctx, "load", key)...,
		)
		if err != nil {
			if IsNotFound(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	} else {
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(ErrNotFound)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			s.retryOptions(ctx, "load", key)...,
		)
		if err != nil {
			if IsNotFound(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var p notifier.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	return &p, nil
}

// List loads every stored profile. Unreadable documents are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*notifier.Profile, error) {
	var profiles []*notifier.Profile

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), keyPrefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			p, err := s.load(ctx, entry.Name())
			if err != nil {
				s.logger.Warn("Failed to load profile", "file", entry.Name(), "error", err)
				continue
			}
			profiles = append(profiles, p)
		}
		return profiles, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: keyPrefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}

		p, err := s.load(ctx, attrs.Name)
		if err != nil {
			s.logger.Warn("Failed to load profile", "key", attrs.Name, "error", err)
			continue
		}
		profiles = append(profiles, p)
	}

	return profiles, nil
}

// Package staging holds uploaded images in memory between upload and job
// submission.
package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/google/uuid"

	"github.com/robmcdonald5/vec2art-sub009/internal/imageinfo"
)

const (
	DefaultTTL      = 15 * time.Minute
	DefaultMaxBytes = 512 << 20
)

var ErrUploadNotFound = errors.New("upload not found")

type Upload struct {
	ID string `json:"image_id"`
	imageinfo.Info
}

type Options struct {
	TTL time.Duration
	// MaxBytes caps the whole store. Oldest uploads go first when full.
	MaxBytes int
	// MaxUploadBytes caps one upload.
	MaxUploadBytes int
	Inspector      imageinfo.Inspector
}

// Store is a TTL-bound byte store backed by bigcache. Entries may outlive
// TTL by up to one clean window.
type Store struct {
	cache     *bigcache.BigCache
	inspector imageinfo.Inspector
}

func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = imageinfo.DefaultMaxBytes
	}
	if opts.Inspector.MaxBytes == 0 || opts.Inspector.MaxBytes > opts.MaxUploadBytes {
		opts.Inspector.MaxBytes = opts.MaxUploadBytes
	}

	cfg := bigcache.DefaultConfig(opts.TTL)
	cfg.Shards = 8
	cfg.CleanWindow = max(opts.TTL/4, time.Second)
	// sizing hints for the initial shard allocation, not limits
	cfg.MaxEntriesInWindow = 64
	cfg.MaxEntrySize = 256 << 10
	cfg.HardMaxCacheSize = max(opts.MaxBytes>>20, 1)
	cfg.Verbose = false

	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("staging: %w", err)
	}
	return &Store{cache: cache, inspector: opts.Inspector}, nil
}

// Put checks the image header and stores the bytes under a new id.
func (s *Store) Put(data []byte) (Upload, error) {
	info, err := s.inspector.Inspect(data)
	if err != nil {
		return Upload{}, err
	}
	id := uuid.NewString()
	if err := s.cache.Set(id, data); err != nil {
		return Upload{}, fmt.Errorf("staging: store upload: %w", err)
	}
	return Upload{ID: id, Info: info}, nil
}

func (s *Store) Get(id string) ([]byte, error) {
	data, err := s.cache.Get(id)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("staging: %w", err)
	}
	return data, nil
}

func (s *Store) Delete(id string) error {
	if err := s.cache.Delete(id); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return fmt.Errorf("staging: %w", err)
	}
	return nil
}

func (s *Store) Len() int { return s.cache.Len() }

func (s *Store) Close() error { return s.cache.Close() }

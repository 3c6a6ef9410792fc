// Package cas implements the content-addressed block store.
//
// Blocks are encrypted frames addressed by the SHA-256 of their
// plaintext and laid out under per-tier roots:
//
//	<root>/<tier>/blocks/<hh>/<hash>
//	<root>/<tier>/objects/<hh>/<hash>.obj
//
// where <hh> is the first two hex characters of the hash. The blocks
// tree holds deduplicated CAS blocks; the objects tree holds whole-file
// single objects. Reads probe cache, then warm, then cold.
package cas

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Tier names a storage tier directory.
type Tier string

const (
	TierCache      Tier = "cache"
	TierWarm       Tier = "warm"
	TierCold       Tier = "cold"
	TierQuarantine Tier = "quarantine"
)

// readTiers is the probe order for lookups.
var readTiers = []Tier{TierCache, TierWarm, TierCold}

var (
	// ErrBlockNotFound is returned when a hash exists in no read tier.
	ErrBlockNotFound = errors.New("block not found")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("store is closed")
)

// Config holds configuration for the filesystem CAS.
type Config struct {
	// BasePath is the root directory containing the tier directories.
	BasePath string

	// DirMode is the permission mode for created directories.
	// Default: 0755
	DirMode os.FileMode

	// FileMode is the permission mode for created files.
	// Default: 0644
	FileMode os.FileMode
}

// Store is a filesystem-backed content-addressed store with hot, warm
// and cold tiers plus a quarantine area for corrupt frames.
type Store struct {
	mu       sync.RWMutex
	basePath string
	dirMode  os.FileMode
	fileMode os.FileMode
	closed   bool
}

// New creates a CAS rooted at cfg.BasePath, creating the tier
// directories if needed.
func New(cfg Config) (*Store, error) {
	if cfg.BasePath == "" {
		return nil, errors.New("base path is required")
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = 0755
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0644
	}

	for _, tier := range []Tier{TierCache, TierWarm, TierCold, TierQuarantine} {
		if err := os.MkdirAll(filepath.Join(cfg.BasePath, string(tier)), cfg.DirMode); err != nil {
			return nil, err
		}
	}

	return &Store{
		basePath: cfg.BasePath,
		dirMode:  cfg.DirMode,
		fileMode: cfg.FileMode,
	}, nil
}

// NewWithPath creates a CAS with default permissions.
func NewWithPath(basePath string) (*Store, error) {
	return New(Config{BasePath: basePath})
}

// blockPath returns the path of a block frame in the given tier.
func (s *Store) blockPath(tier Tier, hash string) string {
	return filepath.Join(s.basePath, string(tier), "blocks", shard(hash), hash)
}

// objectPath returns the path of a single-object frame in the given tier.
func (s *Store) objectPath(tier Tier, hash string) string {
	return filepath.Join(s.basePath, string(tier), "objects", shard(hash), hash+".obj")
}

func shard(hash string) string {
	if len(hash) < 2 {
		return "00"
	}
	return hash[:2]
}

// WriteBlock stores an encrypted block frame in the cache tier.
// It reports whether a new file was created: an existing frame for the
// same hash is left untouched, which is what makes convergent writes
// idempotent.
func (s *Store) WriteBlock(ctx context.Context, hash string, frame []byte) (created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	path := s.blockPath(TierCache, hash)
	if s.existsAnyTierLocked(hash, s.blockPath) {
		return false, nil
	}
	return true, s.writeAtomic(path, frame)
}

// ReadBlock returns a block frame, probing cache, warm, then cold.
func (s *Store) ReadBlock(ctx context.Context, hash string) ([]byte, Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, "", ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	for _, tier := range readTiers {
		data, err := os.ReadFile(s.blockPath(tier, hash))
		if err == nil {
			return data, tier, nil
		}
		if !os.IsNotExist(err) {
			return nil, "", err
		}
	}
	return nil, "", ErrBlockNotFound
}

// HasBlock reports whether a block frame exists in any read tier.
func (s *Store) HasBlock(ctx context.Context, hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	return s.existsAnyTierLocked(hash, s.blockPath)
}

// DeleteBlock removes a block frame from every read tier. Missing
// frames are not an error.
func (s *Store) DeleteBlock(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	for _, tier := range readTiers {
		path := s.blockPath(tier, hash)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		s.cleanEmptyDirs(filepath.Dir(path))
	}
	return nil
}

// Quarantine moves a block frame out of the read path into the
// quarantine tier. Called when a frame fails authentication on read.
func (s *Store) Quarantine(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	for _, tier := range readTiers {
		src := s.blockPath(tier, hash)
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		dst := s.blockPath(TierQuarantine, hash)
		if err := s.moveFile(src, dst); err != nil {
			return err
		}
		s.cleanEmptyDirs(filepath.Dir(src))
	}
	return nil
}

// QuarantineObject moves a single object frame out of the read path
// into the quarantine tier.
func (s *Store) QuarantineObject(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	for _, tier := range readTiers {
		src := s.objectPath(tier, hash)
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		dst := s.objectPath(TierQuarantine, hash)
		if err := s.moveFile(src, dst); err != nil {
			return err
		}
		s.cleanEmptyDirs(filepath.Dir(src))
	}
	return nil
}

// MoveBlock migrates a block frame between tiers. Used by the tiering
// walker. Moving a frame that is not in the source tier is a no-op.
func (s *Store) MoveBlock(ctx context.Context, hash string, from, to Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	src := s.blockPath(from, hash)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := s.moveFile(src, s.blockPath(to, hash)); err != nil {
		return err
	}
	s.cleanEmptyDirs(filepath.Dir(src))
	return nil
}

// WriteObject stores a whole-file single object frame in the cache tier
// and returns its tier-relative path for the manifest.
func (s *Store) WriteObject(ctx context.Context, hash string, frame []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := s.writeAtomic(s.objectPath(TierCache, hash), frame); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join("objects", shard(hash), hash+".obj")), nil
}

// ReadObject returns a single object frame, probing cache, warm, cold.
func (s *Store) ReadObject(ctx context.Context, hash string) ([]byte, Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, "", ErrStoreClosed
	}

	for _, tier := range readTiers {
		data, err := os.ReadFile(s.objectPath(tier, hash))
		if err == nil {
			return data, tier, nil
		}
		if !os.IsNotExist(err) {
			return nil, "", err
		}
	}
	return nil, "", ErrBlockNotFound
}

// DeleteObject removes a single object frame from every read tier.
func (s *Store) DeleteObject(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	for _, tier := range readTiers {
		path := s.objectPath(tier, hash)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		s.cleanEmptyDirs(filepath.Dir(path))
	}
	return nil
}

// MoveObject migrates a single object frame between tiers.
func (s *Store) MoveObject(ctx context.Context, hash string, from, to Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	src := s.objectPath(from, hash)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := s.moveFile(src, s.objectPath(to, hash)); err != nil {
		return err
	}
	s.cleanEmptyDirs(filepath.Dir(src))
	return nil
}

// Entry describes one stored frame found by a tier walk.
type Entry struct {
	Hash    string
	Object  bool
	Size    int64
	ModTime time.Time
}

// WalkTier visits every frame in a tier. The walk stops on the first
// callback error.
func (s *Store) WalkTier(ctx context.Context, tier Tier, fn func(Entry) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	root := filepath.Join(s.basePath, string(tier))
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		name := d.Name()
		e := Entry{Size: info.Size(), ModTime: info.ModTime()}
		if strings.HasSuffix(name, ".obj") {
			e.Object = true
			e.Hash = strings.TrimSuffix(name, ".obj")
		} else {
			e.Hash = name
		}
		return fn(e)
	})
}

// DiskUsage returns the total on-disk bytes per tier.
func (s *Store) DiskUsage(ctx context.Context) (map[Tier]int64, error) {
	usage := make(map[Tier]int64, len(readTiers))
	for _, tier := range readTiers {
		var total int64
		err := s.WalkTier(ctx, tier, func(e Entry) error {
			total += e.Size
			return nil
		})
		if err != nil {
			return nil, err
		}
		usage[tier] = total
	}
	return usage, nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// HealthCheck verifies the base path is accessible.
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.basePath)
	return err
}

// BasePath returns the store root (for testing).
func (s *Store) BasePath() string {
	return s.basePath
}

func (s *Store) existsAnyTierLocked(hash string, pathFn func(Tier, string) string) bool {
	for _, tier := range readTiers {
		if _, err := os.Stat(pathFn(tier, hash)); err == nil {
			return true
		}
	}
	return false
}

// writeAtomic writes to a temporary file then renames into place, so a
// crash never leaves a partial frame at the final path.
func (s *Store) writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), s.dirMode); err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, s.fileMode); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// moveFile renames src to dst, falling back to copy-then-unlink when
// the tiers live on different filesystems.
func (s *Store) moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), s.dirMode); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmpPath := dst + ".tmp"
	out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, s.fileMode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Remove(src)
}

// cleanEmptyDirs removes empty shard directories up to the base path.
func (s *Store) cleanEmptyDirs(dir string) {
	for dir != s.basePath && strings.HasPrefix(dir, s.basePath) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

package replay

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"snapsync/broker/internal/logging"
)

// RetentionPolicy bounds how many recordings stay on disk and for how long.
type RetentionPolicy struct {
	MaxRecordings int
	MaxAge        time.Duration
}

// StorageStats summarises the disk footprint of kept recordings.
type StorageStats struct {
	Recordings int
	Bytes      int64
	Removed    int
	LastSweep  time.Time
}

// Cleaner periodically prunes recording directories according to a retention policy.
// The recording being written is never older than the newest kept one, so the
// count limit cannot remove it.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the provided replay root.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger.With(logging.String("component", "replay_cleaner")), now: time.Now}
}

// Run sweeps immediately and then on every interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.Sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Stats returns the result of the last sweep.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type recordingDir struct {
	path    string
	size    int64
	modTime time.Time
}

// Sweep applies the retention policy once.
func (c *Cleaner) Sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("replay retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}

	//1.- Only directories holding a manifest are recordings; newest first.
	var recordings []recordingDir
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		if _, err := os.Stat(filepath.Join(path, "manifest.json")); err != nil {
			continue
		}
		size, modTime, err := directoryUsage(path)
		if err != nil {
			c.log.Warn("replay retention size failed", logging.Error(err), logging.String("path", path))
			continue
		}
		recordings = append(recordings, recordingDir{path: path, size: size, modTime: modTime})
	}
	sort.Slice(recordings, func(i, j int) bool { return recordings[i].modTime.After(recordings[j].modTime) })

	//2.- Age and count limits apply independently; either one removes the recording.
	now := c.now()
	stats := StorageStats{LastSweep: now}
	for _, rec := range recordings {
		reason := ""
		switch {
		case c.policy.MaxAge > 0 && now.Sub(rec.modTime) > c.policy.MaxAge:
			reason = fmt.Sprintf("age>%s", c.policy.MaxAge)
		case c.policy.MaxRecordings > 0 && stats.Recordings >= c.policy.MaxRecordings:
			reason = fmt.Sprintf(">=%d recordings", c.policy.MaxRecordings)
		}
		if reason != "" {
			err := os.RemoveAll(rec.path)
			if err == nil {
				stats.Removed++
				c.log.Info("replay retention removed recording", logging.String("path", rec.path), logging.String("reason", reason))
				continue
			}
			c.log.Warn("replay retention removal failed", logging.Error(err), logging.String("path", rec.path))
		}
		stats.Recordings++
		stats.Bytes += rec.size
	}

	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

// directoryUsage sums file sizes and finds the newest modification below root.
func directoryUsage(root string) (int64, time.Time, error) {
	var (
		total  int64
		newest time.Time
	)
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		if !d.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, newest, err
}

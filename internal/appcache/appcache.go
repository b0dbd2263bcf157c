// Package appcache resolves resource (app) ids to display names and capsule
// images for the leaderboard. Metadata lives in apps.json under the cache
// directory and images under images/<id>.jpg.
package appcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	metadataFile = "apps.json"
	imageDirName = "images"
	// ImagePrefix is the URL path images are served under.
	ImagePrefix = "/app-cache/"
)

// Info is what the leaderboard shows for one app.
type Info struct {
	Name      string `json:"name"`
	ImagePath string `json:"image_path,omitempty"`
}

func fallback(appID uint32) Info {
	return Info{Name: fmt.Sprintf("App %d", appID)}
}

// NameSink is told about every resolved name so it can be stored next to
// the usage totals.
type NameSink interface {
	SetResourceName(ctx context.Context, appID uint32, name string) error
}

type Options struct {
	Dir        string
	DetailsURL string
	// ImageURL is a format string taking the app id.
	ImageURL string
	Timeout  time.Duration
	Names    NameSink
	Logger   *zap.Logger
}

type Cache struct {
	dir        string
	detailsURL string
	imageURL   string
	names      NameSink
	http       *resty.Client
	logger     *zap.Logger

	mu      sync.Mutex
	entries map[string]Info
}

func New(opts Options) (*Cache, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(opts.Dir, imageDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create app cache dir: %w", err)
	}
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("User-Agent", "Mozilla/5.0").
		SetHeader("Accept", "application/json")

	c := &Cache{
		dir:        opts.Dir,
		detailsURL: opts.DetailsURL,
		imageURL:   opts.ImageURL,
		names:      opts.Names,
		http:       client,
		logger:     opts.Logger.Named("appcache"),
		entries:    make(map[string]Info),
	}
	if err := c.load(); err != nil {
		c.logger.Warn("app cache unreadable, starting empty", zap.Error(err))
	}
	return c, nil
}

// ImageDir is the directory served under ImagePrefix.
func (c *Cache) ImageDir() string {
	return filepath.Join(c.dir, imageDirName)
}

func (c *Cache) load() error {
	data, err := os.ReadFile(filepath.Join(c.dir, metadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	entries := make(map[string]Info)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse %s: %w", metadataFile, err)
	}
	c.entries = entries
	return nil
}

// save writes the metadata through a temp file so readers never see a
// partial file. Callers hold c.mu.
func (c *Cache) save() error {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(c.dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(c.dir, metadataFile))
}

// Lookup returns the cached entry without fetching.
func (c *Cache) Lookup(appID uint32) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.entries[strconv.FormatUint(uint64(appID), 10)]
	return info, ok
}

// Info returns the app's name and image, fetching and caching them on first
// use. Network failures yield "App <id>" and are retried on the next call.
func (c *Cache) Info(ctx context.Context, appID uint32) Info {
	if info, ok := c.Lookup(appID); ok {
		return info
	}

	info, err := c.fetch(ctx, appID)
	if err != nil {
		c.logger.Warn("app details fetch failed", zap.Uint32("app_id", appID), zap.Error(err))
		return fallback(appID)
	}

	c.mu.Lock()
	c.entries[strconv.FormatUint(uint64(appID), 10)] = info
	if err := c.save(); err != nil {
		c.logger.Warn("failed to write app cache", zap.Error(err))
	}
	c.mu.Unlock()

	if c.names != nil {
		if err := c.names.SetResourceName(ctx, appID, info.Name); err != nil {
			c.logger.Debug("failed to store resource name", zap.Uint32("app_id", appID), zap.Error(err))
		}
	}
	return info
}

type detailsEntry struct {
	Success bool `json:"success"`
	Data    struct {
		Name string `json:"name"`
	} `json:"data"`
}

func (c *Cache) fetch(ctx context.Context, appID uint32) (Info, error) {
	id := strconv.FormatUint(uint64(appID), 10)
	var body map[string]detailsEntry
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("appids", id).
		SetResult(&body).
		Get(c.detailsURL)
	if err != nil {
		return Info{}, err
	}
	if resp.IsError() {
		return Info{}, fmt.Errorf("app details: status %d", resp.StatusCode())
	}

	info := fallback(appID)
	if entry, ok := body[id]; ok && entry.Success && entry.Data.Name != "" {
		info.Name = entry.Data.Name
	}
	if c.downloadImage(ctx, appID) {
		info.ImagePath = ImagePrefix + id + ".jpg"
	}
	return info, nil
}

// downloadImage saves the capsule image unless it is already on disk. It
// reports whether the image is available.
func (c *Cache) downloadImage(ctx context.Context, appID uint32) bool {
	path := filepath.Join(c.ImageDir(), fmt.Sprintf("%d.jpg", appID))
	if _, err := os.Stat(path); err == nil {
		return true
	}
	if c.imageURL == "" {
		return false
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetOutput(path).
		Get(fmt.Sprintf(c.imageURL, appID))
	if err != nil {
		_ = os.Remove(path)
		c.logger.Warn("image download failed", zap.Uint32("app_id", appID), zap.Error(err))
		return false
	}
	if resp.StatusCode() != http.StatusOK {
		_ = os.Remove(path)
		if resp.StatusCode() == http.StatusNotFound {
			c.logger.Debug("no image for app", zap.Uint32("app_id", appID))
		} else {
			c.logger.Warn("image download failed", zap.Uint32("app_id", appID), zap.Int("status", resp.StatusCode()))
		}
		return false
	}
	return true
}

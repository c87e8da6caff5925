// Package assets resolves stream sources against the on-disk media catalog.
package assets

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/restreamer/internal/config"
	"github.com/smazurov/restreamer/internal/streams"
)

// Video is a single media file. Relative paths resolve against the media root.
type Video struct {
	Title string `toml:"title,omitempty" json:"title,omitempty"`
	Path  string `toml:"path" json:"path"`
}

// Playlist is an ordered list of video ids.
type Playlist struct {
	Title   string   `toml:"title,omitempty" json:"title,omitempty"`
	Videos  []string `toml:"videos" json:"videos"`
	Shuffle bool     `toml:"shuffle" json:"shuffle"`
}

// File is the catalog file layout:
//
//	[videos.intro]
//	path = "intro.mp4"
//
//	[playlists.evening]
//	videos = ["intro", "main"]
//	shuffle = true
type File struct {
	Videos    map[string]Video    `toml:"videos"`
	Playlists map[string]Playlist `toml:"playlists"`
}

// LoadFile reads a catalog file. A missing file yields an empty catalog.
func LoadFile(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("read asset catalog: %w", err)
	}
	if err := toml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse asset catalog %s: %w", path, err)
	}
	return f, nil
}

// Catalog implements streams.AssetResolver.
type Catalog struct {
	mediaRoot string

	mu      sync.RWMutex
	file    File
	shuffle func([]string)
}

// NewCatalog creates a catalog serving f with paths rooted at mediaRoot.
func NewCatalog(mediaRoot string, f File) *Catalog {
	return &Catalog{
		mediaRoot: mediaRoot,
		file:      f,
		shuffle: func(s []string) {
			rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
		},
	}
}

// Set replaces the catalog contents.
func (c *Catalog) Set(f File) {
	c.mu.Lock()
	c.file = f
	c.mu.Unlock()
}

// videos returns the video ids in sorted order.
func (c *Catalog) videos() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.file.Videos))
	for id := range c.file.Videos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve maps a source reference to absolute file paths. Every file must
// exist. Shuffled playlists get a fresh order on each call.
func (c *Catalog) Resolve(ref streams.SourceRef) (streams.ResolvedSource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch ref.Kind {
	case streams.SourceVideo, "":
		path, err := c.videoPath(ref.ID)
		if err != nil {
			return streams.ResolvedSource{}, err
		}
		return streams.ResolvedSource{Files: []string{path}}, nil

	case streams.SourcePlaylist:
		pl, ok := c.file.Playlists[ref.ID]
		if !ok {
			return streams.ResolvedSource{}, fmt.Errorf("playlist %q: %w", ref.ID, streams.ErrAssetMissing)
		}
		if len(pl.Videos) == 0 {
			return streams.ResolvedSource{}, fmt.Errorf("playlist %q is empty: %w", ref.ID, streams.ErrAssetMissing)
		}
		files := make([]string, 0, len(pl.Videos))
		for _, id := range pl.Videos {
			path, err := c.videoPath(id)
			if err != nil {
				return streams.ResolvedSource{}, fmt.Errorf("playlist %q: %w", ref.ID, err)
			}
			files = append(files, path)
		}
		if pl.Shuffle {
			c.shuffle(files)
		}
		return streams.ResolvedSource{Files: files, Playlist: true}, nil

	default:
		return streams.ResolvedSource{}, fmt.Errorf("unknown source kind %q", ref.Kind)
	}
}

func (c *Catalog) videoPath(id string) (string, error) {
	v, ok := c.file.Videos[id]
	if !ok {
		return "", fmt.Errorf("video %q: %w", id, streams.ErrAssetMissing)
	}
	path := v.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.mediaRoot, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("video %q: %w", id, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("video %q file %s: %w", id, abs, streams.ErrAssetMissing)
	}
	return abs, nil
}

// Watch keeps the catalog in sync with path. A reload that fails to parse
// keeps the previous contents.
func (c *Catalog) Watch(path string, logger *slog.Logger, opts ...config.WatcherOption[File]) (*config.Watcher[File], error) {
	w := config.NewConfigWatcher(path, LoadFile, logger, opts...)
	w.OnReload(func(f File) {
		c.Set(f)
		logger.Info("Asset catalog reloaded", "videos", len(f.Videos), "playlists", len(f.Playlists))
	})
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("watch asset catalog: %w", err)
	}
	return w, nil
}

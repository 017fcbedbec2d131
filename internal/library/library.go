// Package library resolves sound ids to clip files inside a directory.
package library

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/satindergrewal/focusflow/internal/ambient"
)

var (
	ErrNotFound  = errors.New("library: sound not found")
	ErrInvalidID = errors.New("library: invalid sound id")
)

// DefaultExtensions are tried in order when resolving an id.
var DefaultExtensions = []string{"mp3", "flac", "wav", "ogg", "m4a"}

// Sound is one clip available in the library.
type Sound struct {
	ID   string `json:"id"`
	File string `json:"file"`
	Size int64  `json:"size"`
}

// Library maps an id to <root>/<id>.<ext> for the first extension that exists.
type Library struct {
	fs    afero.Fs
	root  string
	exts  []string
	cache *lru.Cache[string, ambient.Clip]
	log   zerolog.Logger
}

// New creates a library over fs rooted at root.
func New(fs afero.Fs, root string, exts []string, cacheSize int, logger zerolog.Logger) (*Library, error) {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	norm := make([]string, 0, len(exts))
	for _, e := range exts {
		if e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), ".")); e != "" {
			norm = append(norm, e)
		}
	}
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, ambient.Clip](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Library{
		fs:    fs,
		root:  root,
		exts:  norm,
		cache: cache,
		log:   logger.With().Str("component", "library").Logger(),
	}, nil
}

// Resolve implements ambient.Resolver.
func (l *Library) Resolve(ctx context.Context, id string) (ambient.Clip, error) {
	if err := ctx.Err(); err != nil {
		return ambient.Clip{}, err
	}
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return ambient.Clip{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if clip, ok := l.cache.Get(id); ok {
		return clip, nil
	}
	for _, ext := range l.exts {
		path := filepath.Join(l.root, id+"."+ext)
		fi, err := l.fs.Stat(path)
		if err != nil || fi.IsDir() {
			continue
		}
		clip := ambient.Clip{URI: path, Name: id}
		l.cache.Add(id, clip)
		l.log.Debug().Str("sound", id).Str("path", path).Msg("resolved")
		return clip, nil
	}
	return ambient.Clip{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns every sound in the directory with a known extension, sorted
// by id. When several files share an id the one Resolve would pick wins.
func (l *Library) List() ([]Sound, error) {
	entries, err := afero.ReadDir(l.fs, l.root)
	if err != nil {
		return nil, fmt.Errorf("read sounds dir: %w", err)
	}
	rank := make(map[string]int, len(l.exts))
	for i, e := range l.exts {
		rank[e] = i
	}
	best := map[string]Sound{}
	bestRank := map[string]int{}
	for _, fi := range entries {
		if fi.IsDir() || strings.HasPrefix(fi.Name(), ".") {
			continue
		}
		ext := strings.TrimPrefix(filepath.Ext(fi.Name()), ".")
		r, ok := rank[ext]
		if !ok {
			continue
		}
		id := strings.TrimSuffix(fi.Name(), filepath.Ext(fi.Name()))
		if prev, seen := bestRank[id]; seen && prev <= r {
			continue
		}
		bestRank[id] = r
		best[id] = Sound{ID: id, File: fi.Name(), Size: fi.Size()}
	}
	out := make([]Sound, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Invalidate drops all cached resolutions.
func (l *Library) Invalidate() {
	l.cache.Purge()
}

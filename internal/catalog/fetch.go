package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

var logger = slog.Default()

func InitLogger(l *slog.Logger) {
	logger = l
}

const luaScriptName = "elrsV3.lua"

// HTTPClient is the subset of *http.Client the fetcher needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher loads catalog documents for a firmware family from an http(s)
// base URL or a local directory. Raw documents are cached by location.
type Fetcher struct {
	base       string
	family     string
	httpClient HTTPClient
	cache      *lru.Cache[string, []byte]
}

// NewFetcher creates a fetcher. A nil httpClient uses http.DefaultClient.
func NewFetcher(httpClient HTTPClient, base, family string, cacheSize int) (*Fetcher, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cacheSize <= 0 {
		cacheSize = 16
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Fetcher{
		base:       base,
		family:     family,
		httpClient: httpClient,
		cache:      cache,
	}, nil
}

// Family returns the firmware family the fetcher is scoped to.
func (f *Fetcher) Family() string { return f.family }

// Load fetches and parses both documents. It always returns a usable catalog;
// on failure the catalog is empty (or hardware-less) and the error wraps
// ErrCatalogUnavailable.
func (f *Fetcher) Load(ctx context.Context) (*Catalog, error) {
	cat := Empty(f.family)

	indexLoc, err := f.location("index.json")
	if err != nil {
		return cat, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	var idx Index
	if err := f.decode(ctx, indexLoc, &idx); err != nil {
		logger.Warn("loading firmware index failed", "location", indexLoc, "error", err)
		return cat, fmt.Errorf("%w: index: %v", ErrCatalogUnavailable, err)
	}
	if idx.Tags != nil {
		cat.Index.Tags = idx.Tags
	}
	if idx.Branches != nil {
		cat.Index.Branches = idx.Branches
	}

	hwLoc, err := f.location("hardware", "targets.json")
	if err != nil {
		return cat, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	var hw Hardware
	if err := f.decode(ctx, hwLoc, &hw); err != nil {
		logger.Warn("loading hardware catalog failed", "location", hwLoc, "error", err)
		return cat, fmt.Errorf("%w: hardware: %v", ErrCatalogUnavailable, err)
	}
	if hw != nil {
		cat.Hardware = hw
	}
	logger.Debug("catalog loaded", "family", f.family, "tags", len(cat.Index.Tags), "vendors", len(cat.Hardware))
	return cat, nil
}

// Purge drops every cached document so the next Load refetches.
func (f *Fetcher) Purge() {
	f.cache.Purge()
}

// LuaURL returns the location of the companion Lua script for a version, or
// "" when no version is given.
func (f *Fetcher) LuaURL(version string) string {
	if version == "" {
		return ""
	}
	loc, err := f.location(version, "lua", luaScriptName)
	if err != nil {
		return ""
	}
	return loc
}

func (f *Fetcher) remote() bool {
	return strings.HasPrefix(f.base, "http://") || strings.HasPrefix(f.base, "https://")
}

func (f *Fetcher) location(elem ...string) (string, error) {
	parts := append([]string{f.family}, elem...)
	if f.remote() {
		return url.JoinPath(f.base, parts...)
	}
	return filepath.Join(append([]string{f.base}, parts...)...), nil
}

func (f *Fetcher) decode(ctx context.Context, loc string, dest any) error {
	data, err := f.read(ctx, loc)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("parse %s: %w", loc, err)
	}
	f.cache.Add(loc, data)
	return nil
}

func (f *Fetcher) read(ctx context.Context, loc string) ([]byte, error) {
	if data, ok := f.cache.Get(loc); ok {
		return data, nil
	}
	if !f.remote() {
		return os.ReadFile(loc)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	res, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("get %s: %s", loc, res.Status)
	}
	return io.ReadAll(res.Body)
}

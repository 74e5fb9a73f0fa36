package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
)

const testIndex = `{
	"tags": {"1.2.0": "aaa", "1.2.0-rc1": "bbb", "1.3.0": "ccc"},
	"branches": {"master": "ddd", "dev": "eee"}
}`

const testHardware = `{
	"happymodel": {
		"name": "HappyModel",
		"rx_2400": {
			"ep1": {"product_name": "EP1", "min_version": "1.0.0", "platform": "esp8285", "upload_methods": ["uart", "wifi", "betaflight"]}
		},
		"tx_2400": {
			"es24": {"product_name": "ES24TX", "min_version": "1.3.0", "platform": "esp32", "upload_methods": ["uart", "etx"]}
		}
	},
	"nameless": {
		"rx_900": {"x": {"product_name": "X", "platform": "stm32"}}
	}
}`

func writeCatalog(t *testing.T, dir string) {
	t.Helper()
	hw := filepath.Join(dir, "firmware", "hardware")
	if err := os.MkdirAll(hw, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "firmware", "index.json"), []byte(testIndex), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(hw, "targets.json"), []byte(testHardware), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestVendorDecodesNameAndBands(t *testing.T) {
	var hw Hardware
	if err := json.Unmarshal([]byte(testHardware), &hw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	hm, ok := hw["happymodel"]
	if !ok {
		t.Fatal("expected happymodel vendor")
	}
	if hm.Name != "HappyModel" {
		t.Errorf("expected name=HappyModel, got=%s", hm.Name)
	}
	if len(hm.Bands) != 2 {
		t.Fatalf("expected 2 bands, got %d", len(hm.Bands))
	}
	ep1 := hm.Bands["rx_2400"]["ep1"]
	if ep1.Platform != "esp8285" || !ep1.HasMethod("wifi") {
		t.Errorf("unexpected ep1 config: %+v", ep1)
	}
	if hw["nameless"].Name != "" {
		t.Errorf("expected empty name, got %q", hw["nameless"].Name)
	}
	if !hm.HasClass(ClassTransmitter) || hw["nameless"].HasClass(ClassTransmitter) {
		t.Error("HasClass mismatch")
	}
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.2.0", "1.3.0", -1},
		{"1.3.0", "1.2.0", 1},
		{"1.2.0-rc1", "1.2.0", -1},
		{"1.2.0", "1.2.0", 0},
		{"v1.2.0", "1.2.0", 1},
		{"master", "1.0.0", -1},
		{"dev", "master", -1},
	}
	for _, c := range cases {
		if got := CompareVersions(c.a, c.b); got != c.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestSortVersions(t *testing.T) {
	names := []string{"1.3.0", "1.2.0", "1.2.0-rc1", "3.0.0", "2.5.1"}
	SortVersions(names)
	want := []string{"1.2.0-rc1", "1.2.0", "1.3.0", "2.5.1", "3.0.0"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("expected %v, got %v", want, names)
	}
}

func TestAtLeast(t *testing.T) {
	if !AtLeast("1.3.0", "") {
		t.Error("empty minimum should accept")
	}
	if AtLeast("1.2.0", "1.3.0") {
		t.Error("1.2.0 should not satisfy 1.3.0")
	}
	if !AtLeast("1.3.0", "1.3.0") {
		t.Error("1.3.0 should satisfy 1.3.0")
	}
}

func TestFetcherLoadLocalDirectory(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir)

	f, err := NewFetcher(nil, dir, "firmware", 4)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	cat, err := f.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cat.Tags(); !reflect.DeepEqual(got, []string{"1.2.0-rc1", "1.2.0", "1.3.0"}) {
		t.Errorf("unexpected tags %v", got)
	}
	if got := cat.Branches(); !reflect.DeepEqual(got, []string{"dev", "master"}) {
		t.Errorf("unexpected branches %v", got)
	}
	if _, ok := cat.Target("happymodel", "tx_2400", "es24"); !ok {
		t.Error("expected es24 target")
	}
	if id, ok := cat.ArtifactID("master"); !ok || id != "ddd" {
		t.Errorf("expected master=ddd, got %q %v", id, ok)
	}
	want := filepath.Join(dir, "firmware", "1.3.0", "lua", "elrsV3.lua")
	if got := f.LuaURL("1.3.0"); got != want {
		t.Errorf("expected lua url %s, got %s", want, got)
	}
	if got := f.LuaURL(""); got != "" {
		t.Errorf("expected empty lua url, got %s", got)
	}
}

func TestFetcherLoadHTTPUsesCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/firmware/index.json":
			w.Write([]byte(testIndex))
		case "/firmware/hardware/targets.json":
			w.Write([]byte(testHardware))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f, err := NewFetcher(srv.Client(), srv.URL, "firmware", 4)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	for i := 0; i < 2; i++ {
		cat, err := f.Load(context.Background())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(cat.Hardware) != 2 {
			t.Fatalf("expected 2 vendors, got %d", len(cat.Hardware))
		}
	}
	if hits.Load() != 2 {
		t.Errorf("expected 2 requests with cache, got %d", hits.Load())
	}

	f.Purge()
	if _, err := f.Load(context.Background()); err != nil {
		t.Fatalf("Load after purge: %v", err)
	}
	if hits.Load() != 4 {
		t.Errorf("expected 4 requests after purge, got %d", hits.Load())
	}
	if got := f.LuaURL("1.3.0"); got != srv.URL+"/firmware/1.3.0/lua/elrsV3.lua" {
		t.Errorf("unexpected lua url %s", got)
	}
}

func TestFetcherUnavailableDegradesToEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, err := NewFetcher(srv.Client(), srv.URL, "firmware", 4)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	cat, err := f.Load(context.Background())
	if !errors.Is(err, ErrCatalogUnavailable) {
		t.Fatalf("expected ErrCatalogUnavailable, got %v", err)
	}
	if cat == nil {
		t.Fatal("expected non-nil catalog")
	}
	if len(cat.Tags()) != 0 || len(cat.Hardware) != 0 {
		t.Errorf("expected empty catalog, got %+v", cat)
	}
}

func TestFetcherBadJSON(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "firmware"), 0o755)
	os.WriteFile(filepath.Join(dir, "firmware", "index.json"), []byte("{not json"), 0o644)

	f, _ := NewFetcher(nil, dir, "firmware", 0)
	cat, err := f.Load(context.Background())
	if !errors.Is(err, ErrCatalogUnavailable) {
		t.Fatalf("expected ErrCatalogUnavailable, got %v", err)
	}
	if len(cat.Tags()) != 0 {
		t.Errorf("expected no tags, got %v", cat.Tags())
	}
}

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// MaxRecords is how many records of each kind are kept.
const MaxRecords = 200

const (
	buildsFile    = "builds.json"
	flashesFile   = "flashes.json"
	downloadsFile = "downloads.json"
)

// Store manages persistence of build, flash and download records.
type Store struct {
	root string
	mu   sync.Mutex
}

// New creates a Store rooted at the given directory (typically the
// application data directory).
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the directory the store writes under.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) historyDir() string {
	return filepath.Join(s.root, "history")
}

// AddBuild appends a build record.
func (s *Store) AddBuild(r BuildRecord) error {
	return s.appendRecord(buildsFile, r)
}

// AddFlash appends a flash record.
func (s *Store) AddFlash(r FlashRecord) error {
	return s.appendRecord(flashesFile, r)
}

// AddDownload appends a download record.
func (s *Store) AddDownload(r DownloadRecord) error {
	return s.appendRecord(downloadsFile, r)
}

// Builds returns all build records, oldest first.
func (s *Store) Builds() ([]BuildRecord, error) {
	var records []BuildRecord
	err := s.loadRecords(buildsFile, &records)
	return records, err
}

// Flashes returns all flash records, oldest first.
func (s *Store) Flashes() ([]FlashRecord, error) {
	var records []FlashRecord
	err := s.loadRecords(flashesFile, &records)
	return records, err
}

// Downloads returns all download records, oldest first.
func (s *Store) Downloads() ([]DownloadRecord, error) {
	var records []DownloadRecord
	err := s.loadRecords(downloadsFile, &records)
	return records, err
}

// History merges every record kind, newest first.
func (s *Store) History() ([]Entry, error) {
	builds, err := s.Builds()
	if err != nil {
		return nil, err
	}
	flashes, err := s.Flashes()
	if err != nil {
		return nil, err
	}
	downloads, err := s.Downloads()
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, b := range builds {
		detail := fmt.Sprintf("%s %s (%s)", b.Release, b.State, b.Duration)
		if b.Reason != "" {
			detail += ": " + b.Reason
		}
		entries = append(entries, Entry{Kind: "build", Target: b.Target, Detail: detail, Success: b.State == "success", Timestamp: b.Timestamp})
	}
	for _, f := range flashes {
		detail := fmt.Sprintf("%s via %s (%s)", f.Version, f.Method, f.Duration)
		if f.Error != "" {
			detail += ": " + f.Error
		}
		entries = append(entries, Entry{Kind: "flash", Target: f.Target, Detail: detail, Success: f.Success, Timestamp: f.Timestamp})
	}
	for _, d := range downloads {
		entries = append(entries, Entry{Kind: "download", Target: d.Target, Detail: fmt.Sprintf("%s -> %s", d.Version, d.Path), Success: true, Timestamp: d.Timestamp})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	return entries, nil
}

// LogsDir returns the path to the logs directory, creating it if needed.
func (s *Store) LogsDir() (string, error) {
	return s.ensureDir("logs")
}

// FirmwareDir returns where downloaded firmware is saved, creating it if
// needed.
func (s *Store) FirmwareDir() (string, error) {
	return s.ensureDir("firmware")
}

func (s *Store) ensureDir(name string) (string, error) {
	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *Store) appendRecord(filename string, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.historyDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(dir, filename)

	// A corrupt file is replaced rather than blocking new records.
	var records []json.RawMessage
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &records)
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	records = append(records, raw)
	if len(records) > MaxRecords {
		records = records[len(records)-MaxRecords:]
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) loadRecords(filename string, dest any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.historyDir(), filename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, dest)
}

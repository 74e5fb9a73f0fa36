package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/buckleypaul/elrsflash/internal/catalog"
)

// ErrNoImages is returned when packaging an empty artifact.
var ErrNoImages = errors.New("artifact has no images")

// Image is one binary written at a flash offset.
type Image struct {
	Name    string
	Address uint32
	Data    []byte
}

// Size returns the image length in bytes.
func (i Image) Size() int { return len(i.Data) }

// Size returns the total bytes across images.
func Size(images []Image) int {
	n := 0
	for _, img := range images {
		n += img.Size()
	}
	return n
}

// BaseAddress is where a single-image artifact is written for platform.
func BaseAddress(platform string) uint32 {
	switch {
	case strings.HasPrefix(platform, "stm32"):
		return 0x08004000
	case strings.HasPrefix(platform, "esp32"):
		return 0x10000
	}
	return 0
}

// Format is the local download packaging.
type Format string

const (
	FormatBin  Format = "bin"
	FormatGzip Format = "gz"
	FormatZip  Format = "zip"
)

// FormatFor picks the packaging a target expects.
func FormatFor(t catalog.TargetConfig) Format {
	switch {
	case t.Platform == "esp8285" || t.UploadFormat == string(FormatGzip):
		return FormatGzip
	case t.HasMethod("zip") || t.UploadFormat == string(FormatZip):
		return FormatZip
	}
	return FormatBin
}

// Package is a file ready to be saved locally.
type Package struct {
	Filename string
	Format   Format
	Data     []byte
}

// Build packages the last image for local download.
func Build(images []Image, t catalog.TargetConfig) (Package, error) {
	if len(images) == 0 {
		return Package{}, ErrNoImages
	}
	bin := images[len(images)-1].Data
	format := FormatFor(t)

	switch format {
	case FormatGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		zw.Name = "firmware.bin"
		zw.ModTime = time.Now()
		if _, err := zw.Write(bin); err != nil {
			return Package{}, fmt.Errorf("gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return Package{}, fmt.Errorf("gzip: %w", err)
		}
		return Package{Filename: "firmware.bin.gz", Format: format, Data: buf.Bytes()}, nil

	case FormatZip:
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		w, err := zw.Create("firmware.bin")
		if err != nil {
			return Package{}, fmt.Errorf("zip: %w", err)
		}
		if _, err := w.Write(bin); err != nil {
			return Package{}, fmt.Errorf("zip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return Package{}, fmt.Errorf("zip: %w", err)
		}
		return Package{Filename: "firmware.zip", Format: format, Data: buf.Bytes()}, nil
	}

	data := make([]byte, len(bin))
	copy(data, bin)
	return Package{Filename: "firmware.bin", Format: FormatBin, Data: data}, nil
}

// Save writes the package into dir and returns its path.
func (p Package) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, p.Filename)
	if err := os.WriteFile(path, p.Data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Split turns a downloaded artifact into images. Multi-image archives are
// unpacked from zip using the offset encoded in each entry name
// ("0x1000_bootloader.bin"); anything else is one image at base.
func Split(data []byte, base uint32) ([]Image, error) {
	if !isZip(data) {
		return []Image{{Name: "firmware.bin", Address: base, Data: data}}, nil
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	var images []Image
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		addr, ok := offsetFromName(f.Name)
		if !ok {
			addr = base
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		var buf bytes.Buffer
		_, err = buf.ReadFrom(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		images = append(images, Image{Name: f.Name, Address: addr, Data: buf.Bytes()})
	}
	if len(images) == 0 {
		return nil, ErrNoImages
	}
	sort.SliceStable(images, func(i, j int) bool { return images[i].Address < images[j].Address })
	return images, nil
}

func isZip(data []byte) bool {
	return len(data) >= 4 && data[0] == 'P' && data[1] == 'K' && data[2] == 3 && data[3] == 4
}

func offsetFromName(name string) (uint32, bool) {
	prefix, _, ok := strings.Cut(filepath.Base(name), "_")
	if !ok || !strings.HasPrefix(prefix, "0x") {
		return 0, false
	}
	addr, err := strconv.ParseUint(prefix[2:], 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(addr), true
}

package catalog

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

// ErrCatalogUnavailable is wrapped around fetch and parse failures. Callers
// still receive a usable empty catalog alongside it.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

// Device class prefixes used on band ids.
const (
	ClassReceiver    = "rx"
	ClassTransmitter = "tx"
)

// Index maps release tags and branch names to artifact ids.
type Index struct {
	Tags     map[string]string `json:"tags"`
	Branches map[string]string `json:"branches"`
}

// TargetConfig describes one flashable hardware target.
type TargetConfig struct {
	ProductName   string          `json:"product_name"`
	MinVersion    string          `json:"min_version"`
	Platform      string          `json:"platform"`
	UploadMethods []string        `json:"upload_methods"`
	UploadFormat  string          `json:"upload_format,omitempty"`
	Firmware      string          `json:"firmware,omitempty"`
	Layout        string          `json:"layout_file,omitempty"`
	Overlay       json.RawMessage `json:"overlay,omitempty"`
}

// HasMethod reports whether the target lists the given upload method.
func (t TargetConfig) HasMethod(method string) bool {
	for _, m := range t.UploadMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Vendor groups the bands a manufacturer ships.
type Vendor struct {
	Name  string
	Bands map[string]map[string]TargetConfig
}

// UnmarshalJSON decodes a vendor object where the "name" key sits next to
// band maps. Keys that do not decode as a band are ignored.
func (v *Vendor) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.Bands = make(map[string]map[string]TargetConfig)
	for k, msg := range raw {
		if k == "name" {
			if err := json.Unmarshal(msg, &v.Name); err != nil {
				return err
			}
			continue
		}
		var band map[string]TargetConfig
		if err := json.Unmarshal(msg, &band); err != nil {
			continue
		}
		v.Bands[k] = band
	}
	return nil
}

// MarshalJSON writes the vendor back in its on-disk shape.
func (v Vendor) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(v.Bands)+1)
	for k, band := range v.Bands {
		out[k] = band
	}
	if v.Name != "" {
		out["name"] = v.Name
	}
	return json.Marshal(out)
}

// Hardware maps vendor id to vendor.
type Hardware map[string]Vendor

// Catalog is the immutable firmware and hardware description for one
// firmware family.
type Catalog struct {
	Family   string
	Index    Index
	Hardware Hardware
}

// Empty returns a catalog with no versions and no hardware.
func Empty(family string) *Catalog {
	return &Catalog{
		Family:   family,
		Index:    Index{Tags: map[string]string{}, Branches: map[string]string{}},
		Hardware: Hardware{},
	}
}

// Tags returns tag names in ascending version order.
func (c *Catalog) Tags() []string {
	if c == nil {
		return nil
	}
	tags := make([]string, 0, len(c.Index.Tags))
	for k := range c.Index.Tags {
		tags = append(tags, k)
	}
	SortVersions(tags)
	return tags
}

// Branches returns branch names in lexical order.
func (c *Catalog) Branches() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Index.Branches))
	for k := range c.Index.Branches {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ArtifactID looks a tag or branch name up in the index.
func (c *Catalog) ArtifactID(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	if id, ok := c.Index.Tags[name]; ok {
		return id, true
	}
	id, ok := c.Index.Branches[name]
	return id, ok
}

// Vendor returns the vendor with the given id.
func (c *Catalog) Vendor(id string) (Vendor, bool) {
	if c == nil {
		return Vendor{}, false
	}
	v, ok := c.Hardware[id]
	return v, ok
}

// Target returns the target config under vendor and band.
func (c *Catalog) Target(vendor, band, target string) (TargetConfig, bool) {
	v, ok := c.Vendor(vendor)
	if !ok {
		return TargetConfig{}, false
	}
	t, ok := v.Bands[band][target]
	return t, ok
}

// HasClass reports whether the vendor has any band for the device class.
func (v Vendor) HasClass(class string) bool {
	for band := range v.Bands {
		if BandHasClass(band, class) {
			return true
		}
	}
	return false
}

// BandHasClass reports whether a band id belongs to a device class.
func BandHasClass(band, class string) bool {
	return class != "" && strings.HasPrefix(band, class)
}

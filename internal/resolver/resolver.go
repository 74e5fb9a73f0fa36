package resolver

import (
	"errors"
	"sort"
	"strings"

	"github.com/buckleypaul/elrsflash/internal/catalog"
)

// ErrSelectionIncomplete is returned when a build or flash is attempted
// without a resolved target and method.
var ErrSelectionIncomplete = errors.New("selection incomplete: target and flash method are required")

// View picks which release names are offered.
type View int

const (
	ViewStable View = iota
	ViewBranch
)

func (v View) String() string {
	if v == ViewBranch {
		return "branch"
	}
	return "stable"
}

// Flash method ids.
const (
	MethodDownload   = "download"
	MethodUART       = "uart"
	MethodBetaflight = "betaflight"
	MethodETX        = "etx"
	MethodPassthru   = "passthru"
	MethodWifi       = "wifi"
	MethodSTLink     = "stlink"
	MethodDFU        = "dfu"
	MethodStock      = "stock"
)

// flashMethods is the canonical display order.
var flashMethods = []Choice{
	{Value: MethodDownload, Title: "Local Download"},
	{Value: MethodUART, Title: "Serial UART"},
	{Value: MethodBetaflight, Title: "Betaflight Passthrough"},
	{Value: MethodETX, Title: "EdgeTX Passthrough"},
	{Value: MethodPassthru, Title: "Passthrough"},
	{Value: MethodWifi, Title: "WiFi"},
	{Value: MethodSTLink, Title: "STLink"},
	{Value: MethodDFU, Title: "DFU"},
	{Value: MethodStock, Title: "Stock Bootloader"},
}

var bandTitles = map[string]string{
	"tx_2400": "2.4GHz Transmitter",
	"tx_900":  "900MHz Transmitter",
	"tx_dual": "Dual 2.4GHz/900MHz Transmitter",
	"rx_2400": "2.4GHz Receiver",
	"rx_900":  "900MHz Receiver",
	"rx_dual": "Dual 2.4GHz/900MHz Receiver",
}

// Choice is one selectable value with its display title.
type Choice struct {
	Value string
	Title string
}

// TargetChoice is a hardware target keyed by vendor, band and id.
type TargetChoice struct {
	Vendor string
	Band   string
	ID     string
	Title  string
	Config catalog.TargetConfig
}

// Selection is the operator's partial choice. Fields are resolved in order:
// class, version, vendor, band, target, method.
type Selection struct {
	Class   string  `json:"class"`
	View    View    `json:"view"`
	Version string  `json:"version,omitempty"`
	Vendor  string  `json:"vendor,omitempty"`
	Band    string  `json:"band,omitempty"`
	Target  string  `json:"target,omitempty"`
	Method  string  `json:"method,omitempty"`
	Options Options `json:"options"`
}

// Complete returns ErrSelectionIncomplete unless a target and method are set.
func (s Selection) Complete() error {
	if s.Class == "" || s.Version == "" || s.Vendor == "" || s.Band == "" || s.Target == "" || s.Method == "" {
		return ErrSelectionIncomplete
	}
	return nil
}

// Choices is the result of resolving a selection against a catalog.
type Choices struct {
	Versions []Choice
	Vendors  []Choice
	Bands    []Choice
	Targets  []TargetChoice
	Methods  []Choice

	// Selection is the input with invalid downstream fields cleared and
	// defaults applied.
	Selection Selection

	// ArtifactID is the index id for the selected version.
	ArtifactID string
	// Target is set when Selection names a valid target.
	Target *TargetChoice

	RegionApplicable bool
	DomainApplicable bool
	WifiApplicable   bool
	AllowErase       bool
}

// Resolve filters the catalog down to the choices valid for sel. It never
// fails: an inconsistent field is cleared along with everything after it.
func Resolve(sel Selection, cat *catalog.Catalog) Choices {
	var out Choices
	next := Selection{Class: sel.Class, View: sel.View, Options: sel.Options}
	if cat == nil || sel.Class == "" {
		out.Selection = next
		return out
	}

	out.Versions, next.Version = resolveVersions(cat, sel.View, sel.Version)
	if next.Version == "" {
		out.Selection = next
		return out
	}
	out.ArtifactID, _ = cat.ArtifactID(next.Version)

	out.Vendors = resolveVendors(cat, sel.Class)
	if containsValue(out.Vendors, sel.Vendor) {
		next.Vendor = sel.Vendor
	}
	if next.Vendor == "" {
		out.Selection = next
		return out
	}

	out.Bands = resolveBands(cat, next.Vendor, sel.Class)
	switch {
	case len(out.Bands) == 1:
		next.Band = out.Bands[0].Value
	case containsValue(out.Bands, sel.Band):
		next.Band = sel.Band
	}
	if next.Band == "" {
		out.Selection = next
		return out
	}

	out.Targets = resolveTargets(cat, next.Vendor, next.Band, next.Version, sel.View == ViewBranch)
	for i := range out.Targets {
		if out.Targets[i].ID == sel.Target {
			next.Target = sel.Target
			out.Target = &out.Targets[i]
			break
		}
	}
	out.RegionApplicable = HighFrequency(next.Band)
	out.DomainApplicable = LowFrequency(next.Band)
	if out.Target == nil {
		out.Selection = next
		return out
	}

	out.Methods = Methods(out.Target.Config.UploadMethods)
	next.Method = MethodDownload
	if containsValue(out.Methods, sel.Method) {
		next.Method = sel.Method
	}
	out.WifiApplicable = WifiApplicable(out.Target.Config.Platform)
	if !out.WifiApplicable {
		next.Options.SSID = ""
		next.Options.Password = ""
	}
	out.AllowErase = AllowErase(out.Target.Config.Platform, next.Method)
	out.Selection = next
	return out
}

func resolveVersions(cat *catalog.Catalog, view View, current string) ([]Choice, string) {
	var list []Choice
	def := ""
	if view == ViewBranch {
		for _, b := range cat.Branches() {
			list = append(list, Choice{Value: b, Title: b})
		}
		if len(list) > 0 {
			def = list[0].Value
		}
		for _, tag := range cat.Tags() {
			if catalog.IsPrerelease(tag) {
				list = append(list, Choice{Value: tag, Title: tag})
			}
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].Title < list[j].Title })
	} else {
		tags := cat.Tags()
		first := true
		for i := len(tags) - 1; i >= 0; i-- {
			tag := tags[i]
			if !catalog.IsPrerelease(tag) || first {
				list = append(list, Choice{Value: tag, Title: tag})
				if def == "" && !catalog.IsPrerelease(tag) {
					def = tag
				}
			}
			first = false
		}
	}
	if containsValue(list, current) {
		return list, current
	}
	return list, def
}

func resolveVendors(cat *catalog.Catalog, class string) []Choice {
	var list []Choice
	for id, v := range cat.Hardware {
		if v.Name != "" && v.HasClass(class) {
			list = append(list, Choice{Value: id, Title: v.Name})
		}
	}
	sortChoices(list)
	return list
}

func resolveBands(cat *catalog.Catalog, vendor, class string) []Choice {
	v, _ := cat.Vendor(vendor)
	var list []Choice
	for band := range v.Bands {
		if catalog.BandHasClass(band, class) {
			list = append(list, Choice{Value: band, Title: BandTitle(band)})
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Value < list[j].Value })
	return list
}

func resolveTargets(cat *catalog.Catalog, vendor, band, version string, ungated bool) []TargetChoice {
	v, _ := cat.Vendor(vendor)
	var list []TargetChoice
	for id, cfg := range v.Bands[band] {
		if !ungated && !catalog.AtLeast(version, cfg.MinVersion) {
			continue
		}
		list = append(list, TargetChoice{
			Vendor: vendor,
			Band:   band,
			ID:     id,
			Title:  cfg.ProductName,
			Config: cfg,
		})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Title != list[j].Title {
			return list[i].Title < list[j].Title
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// Methods returns the flash methods for a target's upload list: local
// download first, then the supported methods in canonical order.
func Methods(supported []string) []Choice {
	list := []Choice{flashMethods[0]}
	for _, m := range flashMethods[1:] {
		for _, s := range supported {
			if s == m.Value {
				list = append(list, m)
				break
			}
		}
	}
	return list
}

// MethodTitle returns the display title for a method id.
func MethodTitle(method string) string {
	for _, m := range flashMethods {
		if m.Value == method {
			return m.Title
		}
	}
	return method
}

// BandTitle returns the display title for a band id.
func BandTitle(band string) string {
	if t, ok := bandTitles[band]; ok {
		return t
	}
	return band
}

// HighFrequency reports whether a band operates at 2.4GHz.
func HighFrequency(band string) bool {
	return strings.HasSuffix(band, "2400") || strings.HasSuffix(band, "dual")
}

// LowFrequency reports whether a band operates in the sub-GHz range.
func LowFrequency(band string) bool {
	return strings.HasSuffix(band, "900") || strings.HasSuffix(band, "dual")
}

// WifiApplicable reports whether network credentials apply to a platform.
func WifiApplicable(platform string) bool {
	return platform != "" && platform != "stm32"
}

// AllowErase reports whether a full erase may be offered. ESP32 targets
// flashed through Betaflight passthrough never erase.
func AllowErase(platform, method string) bool {
	return !(strings.HasPrefix(platform, "esp32") && method == MethodBetaflight)
}

func containsValue(list []Choice, v string) bool {
	if v == "" {
		return false
	}
	for _, c := range list {
		if c.Value == v {
			return true
		}
	}
	return false
}

func sortChoices(list []Choice) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Title != list[j].Title {
			return list[i].Title < list[j].Title
		}
		return list[i].Value < list[j].Value
	})
}

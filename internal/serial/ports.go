package serial

import (
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// USB-UART bridges found on receivers, transmitters and flight controllers.
var knownBridges = map[string]string{
	"10C4": "CP210x",
	"1A86": "CH34x",
	"0403": "FTDI",
	"0483": "STM32 VCP",
	"303A": "ESP32 USB",
}

// PortInfo holds details about a serial port.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// Bridge names the USB-UART chip behind the port, if recognised.
func (p PortInfo) Bridge() string {
	return knownBridges[strings.ToUpper(p.VID)]
}

// Description is a one-line label for pickers.
func (p PortInfo) Description() string {
	var parts []string
	if b := p.Bridge(); b != "" {
		parts = append(parts, b)
	}
	if p.Product != "" {
		parts = append(parts, p.Product)
	}
	if p.IsUSB && p.VID != "" {
		parts = append(parts, p.VID+":"+p.PID)
	}
	return strings.Join(parts, " ")
}

// ListPorts returns available serial ports, USB bridges first.
func ListPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	var result []PortInfo
	for _, p := range ports {
		result = append(result, PortInfo{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	SortPorts(result)
	return result, nil
}

// SortPorts orders recognised bridges first, then other USB ports, then by
// name.
func SortPorts(ports []PortInfo) {
	rank := func(p PortInfo) int {
		switch {
		case p.Bridge() != "":
			return 0
		case p.IsUSB:
			return 1
		}
		return 2
	}
	sort.SliceStable(ports, func(i, j int) bool {
		ri, rj := rank(ports[i]), rank(ports[j])
		if ri != rj {
			return ri < rj
		}
		return ports[i].Name < ports[j].Name
	})
}

// Preferred returns the configured port when it is present, otherwise the
// first listed port.
func Preferred(ports []PortInfo, configured string) string {
	for _, p := range ports {
		if p.Name == configured {
			return configured
		}
	}
	if len(ports) > 0 {
		return ports[0].Name
	}
	return configured
}

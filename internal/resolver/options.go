package resolver

import (
	"crypto/md5"
	"encoding/hex"
)

// Region and regulatory domain values offered to the operator.
var (
	Regions = []Choice{
		{Value: "FCC", Title: "FCC"},
		{Value: "LBT", Title: "LBT"},
	}
	Domains = []Choice{
		{Value: "0", Title: "AU915"},
		{Value: "1", Title: "FCC915"},
		{Value: "2", Title: "EU868"},
		{Value: "3", Title: "IN866"},
		{Value: "4", Title: "AU433"},
		{Value: "5", Title: "EU433"},
		{Value: "6", Title: "US433"},
		{Value: "7", Title: "US433-Wide"},
	}
)

// TXOptions are transmitter-only tuning fields.
type TXOptions struct {
	TelemetryInterval int    `json:"telemetry_interval"`
	UARTInverted      bool   `json:"uart_inverted"`
	FanMinRuntime     int    `json:"fan_min_runtime"`
	HigherPower       bool   `json:"higher_power"`
	MelodyType        int    `json:"melody_type"`
	MelodyTune        string `json:"melody_tune,omitempty"`
}

// RXOptions are receiver-only tuning fields.
type RXOptions struct {
	UARTBaud           int  `json:"uart_baud"`
	LockOnFirstConnect bool `json:"lock_on_first_connect"`
	R9mmMiniSBUS       bool `json:"r9mm_mini_sbus"`
	FanMinRuntime      int  `json:"fan_min_runtime"`
	RxAsTx             bool `json:"rx_as_tx"`
	RxAsTxType         int  `json:"rx_as_tx_type"`
}

// Options is the operator-configurable bag carried into the build.
type Options struct {
	UID            []byte    `json:"uid,omitempty"`
	Region         string    `json:"region"`
	Domain         int       `json:"domain"`
	SSID           string    `json:"ssid,omitempty"`
	Password       string    `json:"password,omitempty"`
	WifiOnInterval int       `json:"wifi_on_interval"`
	TX             TXOptions `json:"tx"`
	RX             RXOptions `json:"rx"`
}

// DefaultOptions returns the factory option values.
func DefaultOptions() Options {
	return Options{
		Region:         "FCC",
		Domain:         1,
		WifiOnInterval: 60,
		TX: TXOptions{
			TelemetryInterval: 240,
			UARTInverted:      true,
			FanMinRuntime:     30,
			MelodyType:        3,
		},
		RX: RXOptions{
			UARTBaud:           420000,
			LockOnFirstConnect: true,
			FanMinRuntime:      30,
		},
	}
}

// UIDFromPhrase derives the six bind bytes from a bind phrase. An empty
// phrase yields nil.
func UIDFromPhrase(phrase string) []byte {
	if phrase == "" {
		return nil
	}
	sum := md5.Sum([]byte(`-DMY_BINDING_PHRASE="` + phrase + `"`))
	uid := make([]byte, 6)
	copy(uid, sum[:6])
	return uid
}

// UIDString renders bind bytes as lower-case hex.
func UIDString(uid []byte) string {
	return hex.EncodeToString(uid)
}

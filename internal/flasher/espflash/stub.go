package espflash

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// stubFile is the esptool stub layout. Segments are base64 in the file.
type stubFile struct {
	Entry     uint32 `json:"entry"`
	Text      []byte `json:"text"`
	TextStart uint32 `json:"text_start"`
	Data      []byte `json:"data"`
	DataStart uint32 `json:"data_start"`
}

// StubFile returns the esptool file name of the stub for a chip family,
// e.g. stub_flasher_32s3.json.
func StubFile(family string) string {
	id := strings.TrimPrefix(strings.ReplaceAll(family, "-", ""), "esp")
	return "stub_flasher_" + id + ".json"
}

// LoadStub reads a flasher stub in the esptool JSON layout.
func LoadStub(path string) (*Stub, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f stubFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Text) == 0 {
		return nil, errors.New("stub has no text segment")
	}
	return &Stub{
		Text:      f.Text,
		TextStart: f.TextStart,
		Data:      f.Data,
		DataStart: f.DataStart,
		Entry:     f.Entry,
	}, nil
}

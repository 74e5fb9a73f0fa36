package ui

import (
	"strings"
	"testing"

	"github.com/muesli/reflow/ansi"
)

func TestPanelWidth(t *testing.T) {
	out := Panel("Flash", "hello", 30, 0, false)
	lines := strings.Split(out, "\n")
	if len(lines) < 2 {
		t.Fatalf("expected border and body, got %q", out)
	}
	if w := ansi.PrintableRuneWidth(lines[0]); w != 30 {
		t.Errorf("top border width = %d, want 30", w)
	}
	if !strings.Contains(out, "hello") {
		t.Error("panel body missing content")
	}
}

func TestSteps(t *testing.T) {
	out := Steps([]string{"Connect", "Flash", "Done"}, 2)
	for _, want := range []string{"✓ Connect", "2 Flash", "3 Done"} {
		if !strings.Contains(out, want) {
			t.Errorf("Steps() = %q, missing %q", out, want)
		}
	}
}

func TestField(t *testing.T) {
	if got := Field("Port", "/dev/ttyUSB0", 6, true); !strings.Contains(got, "> Port  ") || !strings.HasSuffix(got, "/dev/ttyUSB0") {
		t.Errorf("Field() = %q", got)
	}
}

package trace

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestSinkWritesValidEvents(t *testing.T) {
	var buf bytes.Buffer
	Sink(&buf)

	ev := Event("dir:sub", 0)
	ev.Done()

	out := buf.String()
	if !strings.HasPrefix(out, "[") {
		t.Fatalf("Sink output %q does not start with the JSON array opener", out)
	}
	if !strings.HasSuffix(out, ",") {
		t.Fatalf("Event.Done output %q does not end with the trailing comma", out)
	}

	var pe PendingEvent
	if err := json.Unmarshal([]byte(strings.TrimSuffix(out[1:], ",")), &pe); err != nil {
		t.Fatalf("unmarshaling event: %v", err)
	}
	if pe.Name != "dir:sub" {
		t.Errorf("Name = %q, want %q", pe.Name, "dir:sub")
	}
	if pe.Type != "X" {
		t.Errorf("Type = %q, want %q", pe.Type, "X")
	}
}

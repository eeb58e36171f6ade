package logging

import "testing"

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "INFO", "warn", "error"} {
		log, err := NewLogger(level)
		if err != nil {
			t.Fatalf("NewLogger(%q): %v", level, err)
		}
		_ = log.Sync()
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

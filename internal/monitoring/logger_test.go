package monitoring

import (
	"fmt"
	"strings"
	"testing"
)

func TestSetLoggerCaptures(t *testing.T) {
	defer SetLogger(nil)

	var captured []string
	SetLogger(func(format string, v ...interface{}) {
		captured = append(captured, fmt.Sprintf(format, v...))
	})

	Logf("hello %s", "world")
	if len(captured) != 1 || !strings.Contains(captured[0], "hello world") {
		t.Errorf("captured = %v, want one 'hello world' entry", captured)
	}
}

func TestSetLoggerNilMutes(t *testing.T) {
	SetLogger(nil)
	// Must not panic.
	Logf("dropped %d", 42)
}

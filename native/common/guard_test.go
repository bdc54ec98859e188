package common

import (
	"errors"
	"strings"
	"testing"
)

func TestGuardNamesPausedModule(t *testing.T) {
	pauses := &Pauses{}
	if err := Guard(pauses, "creditswap"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pauses.Set("creditswap", true)
	err := Guard(pauses, "creditswap")
	if !errors.Is(err, ErrModulePaused) || !strings.Contains(err.Error(), "creditswap") {
		t.Fatalf("expected paused creditswap, got %v", err)
	}
	if err := Guard(pauses, "lending"); err != nil {
		t.Fatalf("other modules unaffected: %v", err)
	}
	if err := Guard(nil, "creditswap"); err != nil {
		t.Fatalf("nil view: %v", err)
	}
	if err := Guard(pauses, ""); err != nil {
		t.Fatalf("unnamed module: %v", err)
	}
}

package common

import "testing"

func TestDirtySetKeepsKeysChangedAfterStage(t *testing.T) {
	var d DirtySet[string]
	d.Mark("a")
	d.Mark("b")
	if got := len(d.Stage()); got != 2 {
		t.Fatalf("expected 2 staged keys, got %d", got)
	}
	d.Mark("b")
	d.Flushed()
	if d.Len() != 1 {
		t.Fatalf("expected the re-marked key to survive, got %d", d.Len())
	}
	staged := d.Stage()
	if len(staged) != 1 || staged[0] != "b" {
		t.Fatalf("unexpected staged keys %v", staged)
	}
	d.Flushed()
	if d.Len() != 0 {
		t.Fatalf("expected no pending keys, got %d", d.Len())
	}
}

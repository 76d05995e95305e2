package session

import (
	"errors"
	"slices"
	"testing"
)

// A -> B -> C, A -> D (fork points 1, 3, 1)
func testForest() *Forest {
	return NewForest(map[string]ForkInfo{
		"B": {Parent: "A", ForkPoint: 1},
		"C": {Parent: "B", ForkPoint: 3},
		"D": {Parent: "A", ForkPoint: 1},
	})
}

func TestForestWalks(t *testing.T) {
	f := testForest()
	if got := f.Root("C"); got != "A" {
		t.Errorf("root(C) = %q, want A", got)
	}
	if got := f.Ancestors("C"); !slices.Equal(got, []string{"B", "A"}) {
		t.Errorf("ancestors(C) = %v", got)
	}
	if got := f.Descendants("A"); !slices.Equal(got, []string{"B", "D", "C"}) {
		t.Errorf("descendants(A) = %v", got)
	}
	if got := f.Component("C"); !slices.Equal(got, []string{"A", "B", "D", "C"}) {
		t.Errorf("component(C) = %v", got)
	}
	at := f.ChildrenAt("A")
	if !slices.Equal(at[1], []string{"B", "D"}) {
		t.Errorf("children at 1 = %v", at[1])
	}
	if got := f.Component("lonely"); !slices.Equal(got, []string{"lonely"}) {
		t.Errorf("component(lonely) = %v", got)
	}
}

func TestForestLinkRefusesCycles(t *testing.T) {
	f := testForest()
	if err := f.Link("A", "C", 0); !errors.Is(err, ErrCycle) {
		t.Errorf("link A->C err = %v, want ErrCycle", err)
	}
	if err := f.Link("X", "X", 0); !errors.Is(err, ErrCycle) {
		t.Errorf("self link err = %v, want ErrCycle", err)
	}
	if err := f.Link("E", "C", 2); err != nil {
		t.Fatalf("link E->C: %v", err)
	}
	if got := f.Root("E"); got != "A" {
		t.Errorf("root(E) = %q, want A", got)
	}
}

func TestForestToleratesCorruptLoop(t *testing.T) {
	f := NewForest(map[string]ForkInfo{
		"X": {Parent: "Y"},
		"Y": {Parent: "X"},
	})
	comp := f.Component("X")
	if !slices.Contains(comp, "X") || !slices.Contains(comp, "Y") {
		t.Errorf("component = %v, want both", comp)
	}
}

func TestRecordLinkFork(t *testing.T) {
	rec := NewRecord()
	if err := rec.LinkFork("B", "A", 2); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := rec.LinkFork("A", "B", 0); !errors.Is(err, ErrCycle) {
		t.Errorf("err = %v, want ErrCycle", err)
	}
	if rec.SessionForks["B"].ForkPoint != 2 {
		t.Errorf("fork = %+v", rec.SessionForks["B"])
	}
}

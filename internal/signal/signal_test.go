package signal

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewIDIsStablePerKey(t *testing.T) {
	date := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	a := NewID(date, "aaa", Long)
	b := NewID(date, "AAA", Long)
	if a != b {
		t.Fatalf("expected case-insensitive symbol key, got %s vs %s", a, b)
	}
	if a == NewID(date, "AAA", Short) {
		t.Fatalf("expected side to change the id")
	}
	if a == NewID(date.AddDate(0, 0, 1), "AAA", Long) {
		t.Fatalf("expected date to change the id")
	}
}

func TestTransitionTableIsClosed(t *testing.T) {
	legal := map[[2]Status]bool{
		{Pending, Submitted}:   true,
		{Pending, Rejected}:    true,
		{Pending, Cancelled}:   true,
		{Submitted, Filled}:    true,
		{Submitted, Rejected}:  true,
		{Submitted, Cancelled}: true,
		{Filled, Closed}:       true,
		{Rejected, Pending}:    true,
	}
	for from := Pending; from <= Closed; from++ {
		for to := Pending; to <= Closed; to++ {
			if got := CanTransition(from, to); got != legal[[2]Status{from, to}] {
				t.Fatalf("%s->%s: expected %v, got %v", from, to, legal[[2]Status{from, to}], got)
			}
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []Status{Cancelled, Closed} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{Pending, Submitted, Filled, Rejected} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestHoldsBudget(t *testing.T) {
	want := map[Status]bool{Pending: true, Submitted: true, Filled: true, Closed: true, Rejected: false, Cancelled: false}
	for s, holds := range want {
		if s.HoldsBudget() != holds {
			t.Fatalf("%s: expected HoldsBudget %t", s, holds)
		}
	}
}

func TestStatusJSON(t *testing.T) {
	in := Signal{ID: "x", Status: Filled}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Signal
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Status != Filled {
		t.Fatalf("expected FILLED, got %s", out.Status)
	}
	if err := json.Unmarshal([]byte(`{"status":"LOST"}`), &out); err == nil {
		t.Fatalf("expected unknown status to fail")
	}
}

func TestSideFromDirection(t *testing.T) {
	if s, ok := SideFromDirection(1); !ok || s != Long {
		t.Fatalf("expected long")
	}
	if s, ok := SideFromDirection(-1); !ok || s != Short {
		t.Fatalf("expected short")
	}
	if _, ok := SideFromDirection(0); ok {
		t.Fatalf("expected no side for a doji")
	}
}

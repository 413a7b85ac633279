package resource

import "testing"

func TestAdmissionTryAcquireRespectsCap(t *testing.T) {
	a := NewAdmission(2)

	release1, ok1 := a.TryAcquire()
	if !ok1 {
		t.Fatal("expected first acquire to succeed")
	}
	release2, ok2 := a.TryAcquire()
	if !ok2 {
		t.Fatal("expected second acquire to succeed")
	}

	if _, ok := a.TryAcquire(); ok {
		t.Fatal("expected third acquire to fail fast")
	}

	release1()
	if _, ok := a.TryAcquire(); !ok {
		t.Fatal("expected acquire to succeed after a release")
	}
	release2()
}

func TestAdmissionInFlightTracksOutstanding(t *testing.T) {
	a := NewAdmission(4)
	if a.InFlight() != 0 {
		t.Fatalf("expected 0 in flight, got %d", a.InFlight())
	}

	release, ok := a.TryAcquire()
	if !ok {
		t.Fatal("expected acquire to succeed")
	}
	if a.InFlight() != 1 {
		t.Fatalf("expected 1 in flight, got %d", a.InFlight())
	}

	release()
	if a.InFlight() != 0 {
		t.Fatalf("expected 0 in flight after release, got %d", a.InFlight())
	}
}

func TestLevelStringMapping(t *testing.T) {
	cases := map[Level]string{
		Normal:    "normal",
		Warning:   "warning",
		Critical:  "critical",
		Exhausted: "exhausted",
	}
	for lvl, want := range cases {
		if got := lvl.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", lvl, got, want)
		}
	}
}

package resource

import (
	"runtime"
	"testing"
	"time"
)

type fakeWrapper struct {
	payload [16]byte
}

func TestBind_EnqueuesOnUnreachable(t *testing.T) {
	r, _ := newTestRegistry()
	owner := r.NewOwner("frame-1")
	id, err := r.Register("cursor", OpCloseCursor, owner)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	w := new(fakeWrapper)
	Bind(r, w, id)
	w = nil
	_ = w

	deadline := time.Now().Add(5 * time.Second)
	for r.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("cleanup never enqueued the entry")
		}
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}

	released, dropped := r.Drain(false, false)
	if released != 1 || dropped != 0 {
		t.Fatalf("Drain = (%d, %d), want (1, 0)", released, dropped)
	}
}

func TestBind_StopOnExplicitClose(t *testing.T) {
	r, _ := newTestRegistry()
	owner := r.NewOwner("frame-1")
	id, err := r.Register("plan", OpFreePlan, owner)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	w := new(fakeWrapper)
	c := Bind(r, w, id)

	// Explicit close: release now, stop the cleanup
	if ran, err := r.ReleaseNow(id); !ran || err != nil {
		t.Fatalf("ReleaseNow = (%v, %v)", ran, err)
	}
	c.Stop()
	w = nil
	_ = w

	for i := 0; i < 5; i++ {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
	if r.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0 after stopped cleanup", r.Pending())
	}
}

package registry

import (
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, opts Options) (*Registry[string, int], *time.Time) {
	t.Helper()
	r, err := New[string, int](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)

	now := time.Now()
	r.now = func() time.Time { return now }
	return r, &now
}

func TestNewRejectsBadTTL(t *testing.T) {
	if _, err := New[string, int](Options{TTL: 0}); err == nil {
		t.Error("expected error for zero ttl")
	}
	if _, err := New[string, int](Options{TTL: -time.Minute}); err == nil {
		t.Error("expected error for negative ttl")
	}
}

func TestPutGetDelete(t *testing.T) {
	r, _ := newTestRegistry(t, Options{TTL: time.Minute})

	r.Put("a", 1)
	if v, ok := r.Get("a"); !ok || v != 1 {
		t.Errorf("Get(a) = %d,%v, want 1,true", v, ok)
	}

	r.Put("a", 2) // replace
	if v, _ := r.Get("a"); v != 2 {
		t.Errorf("Get(a) after replace = %d, want 2", v)
	}

	r.Delete("a")
	if _, ok := r.Get("a"); ok {
		t.Error("Get after Delete should miss")
	}

	// Deleting an absent key is a no-op.
	r.Delete("ghost")
}

func TestExpiry(t *testing.T) {
	r, now := newTestRegistry(t, Options{TTL: time.Minute})

	r.Put("a", 1)

	// Just inside the window: still there.
	*now = now.Add(time.Minute)
	if _, ok := r.Get("a"); !ok {
		t.Error("entry expired exactly at ttl, want it kept")
	}

	r2, now2 := newTestRegistry(t, Options{TTL: time.Minute})
	r2.Put("b", 2)
	*now2 = now2.Add(time.Minute + time.Second)
	if _, ok := r2.Get("b"); ok {
		t.Error("entry past ttl should read as absent")
	}
	if r2.Len() != 0 {
		t.Errorf("Len = %d, want 0 after expiry", r2.Len())
	}
}

func TestRefreshOnAccess(t *testing.T) {
	r, now := newTestRegistry(t, Options{TTL: time.Minute, RefreshOnAccess: true})

	r.Put("a", 1)
	*now = now.Add(45 * time.Second)
	r.Get("a") // refresh stamp

	*now = now.Add(45 * time.Second) // 90s since Put, 45s since Get
	if _, ok := r.Get("a"); !ok {
		t.Error("refreshed entry expired too early")
	}
}

func TestNoRefreshWithoutOption(t *testing.T) {
	r, now := newTestRegistry(t, Options{TTL: time.Minute})

	r.Put("a", 1)
	*now = now.Add(45 * time.Second)
	r.Get("a")

	*now = now.Add(45 * time.Second)
	if _, ok := r.Get("a"); ok {
		t.Error("entry survived past ttl without refresh-on-access")
	}
}

func TestSweep(t *testing.T) {
	r, now := newTestRegistry(t, Options{TTL: time.Minute})

	r.Put("a", 1)
	r.Put("b", 2)
	*now = now.Add(30 * time.Second)
	r.Put("c", 3)

	*now = now.Add(45 * time.Second) // a,b are 75s old; c is 45s old
	if removed := r.Sweep(); removed != 2 {
		t.Errorf("Sweep removed %d, want 2", removed)
	}
	if _, ok := r.Get("c"); !ok {
		t.Error("unexpired entry swept")
	}
}

func TestBackgroundSweeper(t *testing.T) {
	r, err := New[string, int](Options{TTL: 20 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	r.Put("a", 1)
	deadline := time.After(500 * time.Millisecond)
	for {
		if r.Len() == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("background sweeper never evicted the entry")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

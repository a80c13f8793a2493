package util

import "testing"

func TestRingBufferWraps(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("Snapshot = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot = %v, want %v", got, want)
		}
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
}

func TestRingBufferClampsCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		r := NewRingBuffer[string](capacity)
		r.Push("a")
		r.Push("b")
		got := r.Snapshot()
		if len(got) != 1 || got[0] != "b" {
			t.Fatalf("capacity %d: Snapshot = %v, want [b]", capacity, got)
		}
	}
}

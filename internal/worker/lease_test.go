package worker

import (
	"testing"
	"time"
)

func TestLockerExclusive(t *testing.T) {
	l := NewLocker(time.Minute)
	if !l.Acquire("01A") {
		t.Fatal("first acquire should succeed")
	}
	if l.Acquire("01A") {
		t.Error("second acquire on a live lease should fail")
	}
	if !l.Acquire("01B") {
		t.Error("lease on another task should succeed")
	}
	l.Release("01A")
	if !l.Acquire("01A") {
		t.Error("acquire after release should succeed")
	}
}

func TestLockerExpiry(t *testing.T) {
	l := NewLocker(20 * time.Millisecond)
	if !l.Acquire("01A") {
		t.Fatal("first acquire should succeed")
	}
	time.Sleep(30 * time.Millisecond)
	if !l.Acquire("01A") {
		t.Error("expired lease should be reclaimable")
	}
}

func TestLockerExtend(t *testing.T) {
	l := NewLocker(40 * time.Millisecond)
	if !l.Acquire("01A") {
		t.Fatal("first acquire should succeed")
	}
	time.Sleep(25 * time.Millisecond)
	l.Extend("01A")
	time.Sleep(25 * time.Millisecond)
	if l.Acquire("01A") {
		t.Error("extended lease should still be held")
	}
}

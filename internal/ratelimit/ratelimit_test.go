package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_BlocksInsideWindow(t *testing.T) {
	p := NewPerUser(time.Hour)

	if !p.Allow("user1") {
		t.Fatal("first bet should be allowed")
	}
	if p.Allow("user1") {
		t.Error("second bet inside the window should be rejected")
	}
}

func TestAllow_UsersIndependent(t *testing.T) {
	p := NewPerUser(time.Hour)

	if !p.Allow("user1") {
		t.Fatal("user1 first bet should be allowed")
	}
	if !p.Allow("user2") {
		t.Error("user2 must not be throttled by user1's bets")
	}
}

func TestAllow_RecoversAfterInterval(t *testing.T) {
	p := NewPerUser(10 * time.Millisecond)

	if !p.Allow("user1") {
		t.Fatal("first bet should be allowed")
	}
	time.Sleep(15 * time.Millisecond)
	if !p.Allow("user1") {
		t.Error("bet after the interval should be allowed")
	}
}

package node

import (
	"testing"
	"time"
)

func TestControlTimer(t *testing.T) {
	timer := NewRandomControlTimer()
	go timer.Run(time.Millisecond)
	defer timer.Shutdown()

	for i := 0; i < 3; i++ {
		select {
		case <-timer.tickCh:
		case <-time.After(time.Second):
			t.Fatalf("no tick %d", i)
		}
		timer.reset(time.Millisecond)
	}

	// without a reset the timer stays quiet
	select {
	case <-timer.tickCh:
		select {
		case <-timer.tickCh:
			t.Fatal("unexpected tick")
		case <-time.After(50 * time.Millisecond):
		}
	case <-time.After(50 * time.Millisecond):
	}
}

package pacer

import (
	"testing"
	"time"
)

func TestOnTimeSyncIgnoresSmallDrift(t *testing.T) {
	p := New(16 * time.Millisecond)
	p.OnTimeSync(0.5, 60, 100)

	if p.TargetSpeed() != 1.0 {
		t.Errorf("TargetSpeed() = %v, want 1.0 for drift under one frame", p.TargetSpeed())
	}
}

func TestOnTimeSyncSpeedsUpWhenBehind(t *testing.T) {
	p := New(16 * time.Millisecond)

	// frame_delta is frames ahead of the peer: a negative value means
	// we are behind and need to run faster to catch up, i.e.
	// target_speed > 1.0.
	p.OnTimeSync(-4.0, 60, 100)

	if p.TargetSpeed() <= 1.0 {
		t.Errorf("TargetSpeed() = %v, want > 1.0 when behind", p.TargetSpeed())
	}
	if p.FramePeriod() >= 16*time.Millisecond {
		t.Errorf("FramePeriod() = %v, want shorter than nominal when speeding up", p.FramePeriod())
	}
}

func TestOnTimeSyncSlowsDownWhenAhead(t *testing.T) {
	p := New(16 * time.Millisecond)

	p.OnTimeSync(4.0, 60, 100)

	if p.TargetSpeed() >= 1.0 {
		t.Errorf("TargetSpeed() = %v, want < 1.0 when ahead", p.TargetSpeed())
	}
	if p.FramePeriod() <= 16*time.Millisecond {
		t.Errorf("FramePeriod() = %v, want longer than nominal when slowing down", p.FramePeriod())
	}
}

func TestTickSnapsBackAtRecoveryFrame(t *testing.T) {
	p := New(16 * time.Millisecond)
	p.OnTimeSync(4.0, 60, 100)

	if p.TargetSpeed() == 1.0 {
		t.Fatal("expected a non-1.0 target speed before recovery")
	}

	// recoveryFrame = 100 + ceil(0.75*60) = 145.
	p.Tick(144)
	if p.TargetSpeed() == 1.0 {
		t.Fatal("snapped back to 1.0 before the scheduled recovery frame")
	}

	p.Tick(145)
	if p.TargetSpeed() != 1.0 {
		t.Errorf("TargetSpeed() = %v, want 1.0 at the recovery frame", p.TargetSpeed())
	}
	if p.FramePeriod() != 16*time.Millisecond {
		t.Errorf("FramePeriod() = %v, want nominal period restored at recovery", p.FramePeriod())
	}
}

func TestThrottlePollsAtLeastOnceAndReturnsOnSchedule(t *testing.T) {
	p := New(10 * time.Millisecond)
	p.Reset()

	start := time.Now()
	polls := 0
	p.Throttle(func(deadline time.Time) {
		polls++
	})
	elapsed := time.Since(start)

	if polls == 0 {
		t.Error("Throttle never polled the transport")
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("Throttle took %s, want roughly one frame period", elapsed)
	}
}

func TestThrottleDropsBacklogWhenFarBehind(t *testing.T) {
	p := New(time.Millisecond)
	p.nextFrameTime = time.Now().Add(-time.Second) // pretend we're a full second behind

	polls := 0
	start := time.Now()
	p.Throttle(func(deadline time.Time) {
		polls++
	})
	elapsed := time.Since(start)

	if polls != 1 {
		t.Errorf("Throttle polled %d times on a backlog drop, want exactly 1 (zero-timeout poll)", polls)
	}
	if elapsed > 50*time.Millisecond {
		t.Errorf("Throttle took %s to drop a backlog, want near-instant", elapsed)
	}
}

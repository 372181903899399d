// Package pacer implements the Frame Pacer (§4.5): an adaptive
// frame-pacing controller that reacts to TimeSync events raised by
// the rollback engine and throttles the outer loop to the Machine's
// nominal frame rate while still draining the transport.
package pacer

import (
	"log"
	"math"
	"time"

	"golang.org/x/time/rate"
)

const sleepIncrement = 2 * time.Millisecond

// backlogPeriods is how many frame periods behind next_frame_time must
// fall before the pacer gives up on catching up smoothly and drops the
// backlog outright, per §4.5 step 2 ("If we are already late by many
// periods, skip forward").
const backlogPeriods = 4

// Pacer holds the adaptive-pacing state described in §4.5.
type Pacer struct {
	nominalPeriod time.Duration
	framePeriod   time.Duration
	targetSpeed   float64
	nextFrameTime time.Time

	recovering    bool
	recoveryFrame int

	backlogLog *rate.Limiter
}

// New creates a Pacer for a Machine whose nominal throttle frequency
// implies nominalPeriod between frames (e.g. ~16.67ms for 60Hz).
func New(nominalPeriod time.Duration) *Pacer {
	return &Pacer{
		nominalPeriod: nominalPeriod,
		framePeriod:   nominalPeriod,
		targetSpeed:   1.0,
		nextFrameTime: time.Now(),
		backlogLog:    rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Reset reinitializes next_frame_time to now, used when entering the
// Running state after a resync so the first throttled frame isn't
// immediately judged late.
func (p *Pacer) Reset() {
	p.nextFrameTime = time.Now()
}

func (p *Pacer) TargetSpeed() float64       { return p.targetSpeed }
func (p *Pacer) FramePeriod() time.Duration { return p.framePeriod }

// OnTimeSync applies the §4.5 correction in response to a TimeSync
// event: ignore drift smaller than a frame, otherwise spread the
// correction across 0.75×interval frames and schedule a recovery
// frame at which target_speed snaps back to 1.0.
func (p *Pacer) OnTimeSync(frameDelta float64, interval int, currentFrame int) {
	if math.Abs(frameDelta) < 1.0 {
		return
	}

	periodSeconds := p.nominalPeriod.Seconds()
	window := 0.75 * float64(interval)

	totalTime := (frameDelta * periodSeconds) / 4
	perFrameDelta := -(totalTime / window)
	p.targetSpeed = (periodSeconds + perFrameDelta) * (1 / periodSeconds)

	// frame_period is "derived from the Machine's nominal throttle
	// frequency and target_speed": a target_speed above 1.0 runs the
	// simulation faster (shorter period) to catch up to peers; below
	// 1.0 runs it slower to let them catch up to us.
	p.framePeriod = time.Duration(periodSeconds / p.targetSpeed * float64(time.Second))

	p.recoveryFrame = currentFrame + int(math.Ceil(window))
	p.recovering = true
}

// Tick checks whether the scheduled TimeSync recovery frame has been
// reached and, if so, snaps target_speed/frame_period back to
// nominal. The Session Runner calls this once per Running-state pass
// of the outer loop, before Throttle.
func (p *Pacer) Tick(currentFrame int) {
	if p.recovering && currentFrame >= p.recoveryFrame {
		p.targetSpeed = 1.0
		p.framePeriod = p.nominalPeriod
		p.recovering = false
	}
}

// Throttle implements the §4.5 throttle step. pollFn is called with a
// deadline and should poll the transport (and process any resulting
// events) up to that deadline — ping traffic and rollback packets
// must keep flowing during the sleep, so throttling never blocks
// opaquely on time.Sleep.
func (p *Pacer) Throttle(pollFn func(deadline time.Time)) {
	p.nextFrameTime = p.nextFrameTime.Add(p.framePeriod)

	now := time.Now()
	if behind := now.Sub(p.nextFrameTime); behind > time.Duration(backlogPeriods)*p.framePeriod {
		if p.backlogLog.Allow() {
			log.Printf("[DEBUG] pacer: %s behind schedule, dropping backlog", behind)
		}
		p.nextFrameTime = now
		pollFn(now)
		return
	}

	for {
		now = time.Now()
		if !now.Before(p.nextFrameTime) {
			return
		}

		deadline := now.Add(sleepIncrement)
		if p.nextFrameTime.Before(deadline) {
			deadline = p.nextFrameTime
		}
		pollFn(deadline)
	}
}

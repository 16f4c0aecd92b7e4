package tracker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"transport-dispatch/models"
)

// Position source failures. ErrPermissionDenied is terminal for the stream;
// the other two are retried.
var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("position timeout")
)

// Reading is one sample or one failure from a Source.
type Reading struct {
	Position models.Position
	Err      error
}

// Source streams positions at its own cadence until ctx is done, then closes
// the channel.
type Source interface {
	Watch(ctx context.Context) <-chan Reading
}

// RandomWalk is a Source that drifts around a starting point. Used by the
// driver simulator.
type RandomWalk struct {
	Start models.Position
	// StepDeg is the maximum per-sample movement in degrees.
	StepDeg float64
	Every   time.Duration
	Rand    *rand.Rand
}

func (w *RandomWalk) Watch(ctx context.Context) <-chan Reading {
	out := make(chan Reading)
	every := w.Every
	if every <= 0 {
		every = time.Second
	}
	rnd := w.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	go func() {
		defer close(out)
		pos := w.Start
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				pos.Lat += (rnd.Float64()*2 - 1) * w.StepDeg
				pos.Lng += (rnd.Float64()*2 - 1) * w.StepDeg
				pos.RecordedAt = now
				select {
				case out <- Reading{Position: pos}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Package timer runs periodic functions on a jittered ticker. The mesh
// engines rate-limit their own probe/beacon emission; the ticker only
// provides the cooperative tick cadence.
package timer

import (
	"context"
	"math/rand"
	"time"

	"github.com/lthibault/jitterbug/v2"

	log "github.com/sirupsen/logrus"
)

type Interval struct {
	Duration time.Duration
	Jitter   time.Duration
}

type tickerJitter struct {
	MaxJitter time.Duration
}

func (j tickerJitter) Jitter(d time.Duration) time.Duration {
	if j.MaxJitter >= d {
		log.Fatal("tickerJitter: MaxJitter is greater than duration")
	}

	if j.MaxJitter == 0 {
		return d
	}

	return d + (time.Duration(rand.Int63n(int64(2*j.MaxJitter))) - j.MaxJitter)
}

// RunWithTicker runs f at the given interval until the context is cancelled
// or f returns an error.
func RunWithTicker(ctx context.Context, interval *Interval, f func(ctx context.Context) error) error {
	j := jitterbug.New(interval.Duration, &tickerJitter{MaxJitter: interval.Jitter})
	defer j.Stop()

	log.Debugf("RunWithTicker: interval %v (jitter %v)", interval.Duration, interval.Jitter)

	for {
		select {
		case <-ctx.Done():
			log.Debug("RunWithTicker: context cancelled")
			return ctx.Err()
		case <-j.C:
			if err := f(ctx); err != nil {
				log.Errorf("RunWithTicker: tick returned error: %v", err)
				return err
			}
		}
	}
}

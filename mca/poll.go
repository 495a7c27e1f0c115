package mca

import (
	"context"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/bobuhiro11/mcheck/mce"
	"github.com/cenkalti/backoff/v4"
)

// Default poll interval bounds.
const (
	DefaultMinInterval = 15 * time.Second
	DefaultMaxInterval = 5 * time.Minute
)

// Poller periodically scans the banks no CMCI covers. The interval drops
// back to the minimum whenever a scan finds errors and doubles up to the
// maximum while scans are quiet.
type Poller struct {
	Scanner *Scanner
	// CPUs returns the processors to poll.
	CPUs func() []int
	// Banks returns the banks to poll on cpu.
	Banks func(cpu int) *bitset.BitSet
	Min   time.Duration
	Max   time.Duration
}

func (p *Poller) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Min
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultMinInterval
	}

	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = DefaultMaxInterval
	}

	b.Reset()

	return b
}

// Once scans every processor once and returns the number of errors seen.
func (p *Poller) Once() int {
	found := 0

	for _, cpu := range p.CPUs() {
		set := p.Banks(cpu)
		if set == nil || set.None() {
			continue
		}

		n, err := p.Scanner.Scan(cpu, mce.SourcePoll, set)
		if err != nil {
			p.Scanner.log().Warn("poll failed", "cpu", cpu, "err", err)

			continue
		}

		found += n
	}

	return found
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	b := p.backoff()
	next := b.InitialInterval

	t := time.NewTimer(next)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		if p.Once() > 0 {
			b.Reset()
			next = b.InitialInterval
		} else {
			next = b.NextBackOff()
		}

		p.Scanner.log().Debug("next poll", "in", next)
		t.Reset(next)
	}
}

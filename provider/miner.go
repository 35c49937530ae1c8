package provider

import (
	"math/rand/v2"
	"sync"
	"time"
)

// intervalMiner mines a block after every delay drawn from a range until
// stopped.
type intervalMiner struct {
	interval IntervalRange
	mine     func(stop <-chan struct{}) error
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// startIntervalMiner launches the mining loop. mine must check stop after
// acquiring whatever lock it needs, so a miner being replaced never mines
// once more.
func startIntervalMiner(interval IntervalRange, mine func(stop <-chan struct{}) error) *intervalMiner {
	m := &intervalMiner{
		interval: interval,
		mine:     mine,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *intervalMiner) delay() time.Duration {
	ms := m.interval.Min
	if m.interval.Max > m.interval.Min {
		ms += rand.Uint64N(m.interval.Max - m.interval.Min + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

func (m *intervalMiner) loop() {
	defer close(m.done)
	timer := time.NewTimer(m.delay())
	defer timer.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-timer.C:
			if err := m.mine(m.stop); err != nil {
				logger.Error("Unexpected error while performing interval mining", "err", err)
			}
			timer.Reset(m.delay())
		}
	}
}

// Stop ends the loop and waits for it. It must not be called while
// holding the lock mine takes.
func (m *intervalMiner) Stop() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}

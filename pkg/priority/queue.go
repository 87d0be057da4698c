package priority

import (
	"context"
	"sync/atomic"
	"time"
)

type Stats struct {
	HighPush int64
	LowPush  int64
	HighPop  int64
	LowPop   int64
}

// Queue holds pipeline input in two lanes. Control frames use the high lane
// so interruptions overtake queued speech.
type Queue interface {
	TryPushHigh(f any) bool
	TryPushLow(f any) bool
	Pop(ctx context.Context) (any, bool)
	Stats() Stats
}

type PriorityQueue struct {
	high     chan any
	low      chan any
	fairness int
	// highStreak counts consecutive high pops since the last low pop.
	highStreak int
	highPush   int64
	lowPush    int64
	highPop    int64
	lowPop     int64
}

// New builds a queue. After fairness consecutive high pops a waiting low item
// is served first.
func New(highCap, lowCap, fairness int) *PriorityQueue {
	if fairness <= 0 {
		fairness = 3
	}
	if highCap <= 0 {
		highCap = 64
	}
	if lowCap <= 0 {
		lowCap = 256
	}
	return &PriorityQueue{
		high:     make(chan any, highCap),
		low:      make(chan any, lowCap),
		fairness: fairness,
	}
}

func (q *PriorityQueue) TryPushHigh(f any) bool {
	select {
	case q.high <- f:
		atomic.AddInt64(&q.highPush, 1)
		return true
	default:
		return false
	}
}

func (q *PriorityQueue) TryPushLow(f any) bool {
	select {
	case q.low <- f:
		atomic.AddInt64(&q.lowPush, 1)
		return true
	default:
		return false
	}
}

// Pop blocks until an item is available or ctx is done. It must be called
// from a single goroutine.
func (q *PriorityQueue) Pop(ctx context.Context) (any, bool) {
	for {
		if q.highStreak < q.fairness {
			select {
			case f := <-q.high:
				q.highStreak++
				atomic.AddInt64(&q.highPop, 1)
				return f, true
			default:
			}
		}
		select {
		case f := <-q.low:
			q.highStreak = 0
			atomic.AddInt64(&q.lowPop, 1)
			return f, true
		default:
		}
		q.highStreak = 0
		select {
		case <-ctx.Done():
			return nil, false
		case f := <-q.high:
			q.highStreak++
			atomic.AddInt64(&q.highPop, 1)
			return f, true
		case f := <-q.low:
			atomic.AddInt64(&q.lowPop, 1)
			return f, true
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (q *PriorityQueue) Stats() Stats {
	return Stats{
		HighPush: atomic.LoadInt64(&q.highPush),
		LowPush:  atomic.LoadInt64(&q.lowPush),
		HighPop:  atomic.LoadInt64(&q.highPop),
		LowPop:   atomic.LoadInt64(&q.lowPop),
	}
}

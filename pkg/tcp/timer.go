package tcp

import (
	"container/heap"
	"sync"
	"time"
)

// timerQueue schedules deadline callbacks for the engine: retransmission
// timeouts, delayed ACKs, and TIME_WAIT expiry. One goroutine drains a
// min-heap of deadlines; callbacks run on that goroutine and take the
// engine lock themselves.
type timerQueue struct {
	mu     sync.Mutex
	heap   timerHeap
	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// timerEntry is a handle for one scheduled callback.
type timerEntry struct {
	when     time.Time
	fn       func()
	canceled bool
	index    int
}

func newTimerQueue() *timerQueue {
	return &timerQueue{
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

func (tq *timerQueue) start() {
	tq.wg.Add(1)
	go tq.run()
}

func (tq *timerQueue) stop() {
	close(tq.stopCh)
	tq.wg.Wait()
}

// schedule registers fn to run after d. The returned handle may be passed
// to cancel.
func (tq *timerQueue) schedule(d time.Duration, fn func()) *timerEntry {
	e := &timerEntry{when: time.Now().Add(d), fn: fn}
	tq.mu.Lock()
	heap.Push(&tq.heap, e)
	front := tq.heap[0] == e
	tq.mu.Unlock()
	if front {
		tq.wake()
	}
	return e
}

// cancel prevents a scheduled callback from running. Safe to call with a
// handle that already fired or was already canceled.
func (tq *timerQueue) cancel(e *timerEntry) {
	if e == nil {
		return
	}
	tq.mu.Lock()
	if !e.canceled {
		e.canceled = true
		if e.index >= 0 {
			heap.Remove(&tq.heap, e.index)
		}
	}
	tq.mu.Unlock()
}

func (tq *timerQueue) wake() {
	select {
	case tq.wakeCh <- struct{}{}:
	default:
	}
}

func (tq *timerQueue) run() {
	defer tq.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		var fire []*timerEntry
		tq.mu.Lock()
		now := time.Now()
		for len(tq.heap) > 0 && !tq.heap[0].when.After(now) {
			e := heap.Pop(&tq.heap).(*timerEntry)
			if !e.canceled {
				e.canceled = true
				fire = append(fire, e)
			}
		}
		var next time.Duration = time.Hour
		if len(tq.heap) > 0 {
			next = time.Until(tq.heap[0].when)
			if next < 0 {
				next = 0
			}
		}
		tq.mu.Unlock()

		for _, e := range fire {
			e.fn()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
		select {
		case <-tq.stopCh:
			return
		case <-tq.wakeCh:
		case <-timer.C:
		}
	}
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

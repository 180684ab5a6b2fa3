package metrics

import "sync/atomic"

// record is one queued metric emission.
type record struct {
	kind   byte // 'c' counter, 'a' counter-add, 'g' gauge, 'h' histogram
	name   string
	labels map[string]string
	n      int64
	v      float64
}

// Emitter drains metric emissions through a bounded channel worker
// pool so that request-path code never blocks on the metrics backend.
// Overflow drops the oldest queued record rather than the newest,
// favoring freshness over completeness, and counts the drop.
//
// Grounded on spec §4.8's "fire-and-forget... bounded channel worker
// pool... drop-oldest on overflow with an overflow counter", applied
// on top of observability/metrics.go's Registry.
type Emitter struct {
	target   *Registry
	queue    chan record
	overflow int64
	done     chan struct{}
}

// NewEmitter starts workerCount goroutines draining a queue of
// capacity queueSize into target.
func NewEmitter(target *Registry, queueSize, workerCount int) *Emitter {
	e := &Emitter{
		target: target,
		queue:  make(chan record, queueSize),
		done:   make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		go e.worker()
	}
	return e
}

func (e *Emitter) worker() {
	for {
		select {
		case r, ok := <-e.queue:
			if !ok {
				return
			}
			e.apply(r)
		case <-e.done:
			return
		}
	}
}

func (e *Emitter) apply(r record) {
	switch r.kind {
	case 'c':
		e.target.CounterInc(r.name, r.labels)
	case 'a':
		e.target.CounterAdd(r.name, r.labels, r.n)
	case 'g':
		e.target.GaugeSet(r.name, r.labels, r.v)
	case 'h':
		e.target.HistogramObserve(r.name, r.labels, r.v)
	}
}

func (e *Emitter) enqueue(r record) {
	select {
	case e.queue <- r:
	default:
		select {
		case <-e.queue:
			atomic.AddInt64(&e.overflow, 1)
		default:
		}
		select {
		case e.queue <- r:
		default:
			atomic.AddInt64(&e.overflow, 1)
		}
	}
}

func (e *Emitter) CounterInc(name string, labels map[string]string) {
	e.enqueue(record{kind: 'c', name: name, labels: labels})
}

func (e *Emitter) CounterAdd(name string, labels map[string]string, n int64) {
	e.enqueue(record{kind: 'a', name: name, labels: labels, n: n})
}

func (e *Emitter) GaugeSet(name string, labels map[string]string, v float64) {
	e.enqueue(record{kind: 'g', name: name, labels: labels, v: v})
}

func (e *Emitter) HistogramObserve(name string, labels map[string]string, v float64) {
	e.enqueue(record{kind: 'h', name: name, labels: labels, v: v})
}

// OverflowCount reports how many records have been dropped since start.
func (e *Emitter) OverflowCount() int64 { return atomic.LoadInt64(&e.overflow) }

// Stop terminates all workers. Queued-but-undrained records are lost.
func (e *Emitter) Stop() { close(e.done) }

package shadow

// DeferredFree is one record of shadow-file storage awaiting reclamation.
// The range may not be reused until max_lag ticks have passed since the tick
// at which it was superseded, because a reader may still be resolving pages
// through the old index.
type DeferredFree struct {
	// Offset is the byte offset of the range in the shadow file.
	Offset uint64

	// Length is the range length in bytes.
	Length uint32

	// Tick is the writer tick at which the range was deferred.
	Tick uint64

	next, prev *DeferredFree
}

// ReclaimQueue holds deferred frees in insertion order: newest at the head,
// oldest at the tail. Records are pushed at the head on every supersession
// and reaped from the tail once their delay expires, so the tail walk stops
// at the first record that is not yet due.
type ReclaimQueue struct {
	head, tail *DeferredFree
	length     int
}

// Len returns the number of pending records.
func (q *ReclaimQueue) Len() int {
	return q.length
}

// Empty reports whether the queue has no pending records.
func (q *ReclaimQueue) Empty() bool {
	return q.length == 0
}

// PushHead records a deferred free of the given shadow-file range at the
// given tick.
func (q *ReclaimQueue) PushHead(offset uint64, length uint32, tick uint64) *DeferredFree {
	rec := &DeferredFree{Offset: offset, Length: length, Tick: tick}

	rec.next = q.head
	if q.head != nil {
		q.head.prev = rec
	}
	q.head = rec
	if q.tail == nil {
		q.tail = rec
	}
	q.length++
	return rec
}

// Head returns the newest pending record, or nil.
func (q *ReclaimQueue) Head() *DeferredFree {
	return q.head
}

// Tail returns the oldest pending record, or nil.
func (q *ReclaimQueue) Tail() *DeferredFree {
	return q.tail
}

func (q *ReclaimQueue) remove(rec *DeferredFree) {
	if rec.prev != nil {
		rec.prev.next = rec.next
	} else {
		q.head = rec.next
	}
	if rec.next != nil {
		rec.next.prev = rec.prev
	} else {
		q.tail = rec.prev
	}
	rec.next, rec.prev = nil, nil
	q.length--
}

// Reap walks the queue from the tail, releasing every record whose delay has
// expired at currentTick and stopping at the first record that is not yet
// due. Released ranges are handed to free in tail-to-head order.
//
// A record deferred at tick t is due once t + maxLag <= currentTick: after
// that, no reader within the staleness bound can still resolve pages through
// the superseded range.
//
// When currentTick <= maxLag nothing can possibly be due and the walk is
// skipped.
//
// If free fails the record stays queued and the error is returned.
func (q *ReclaimQueue) Reap(currentTick, maxLag uint64, free func(offset uint64, length uint32) error) (released int, bytes uint64, err error) {
	if currentTick <= maxLag {
		return 0, 0, nil
	}

	for rec := q.tail; rec != nil; rec = q.tail {
		if rec.Tick+maxLag > currentTick {
			break
		}

		if err := free(rec.Offset, rec.Length); err != nil {
			return released, bytes, err
		}

		released++
		bytes += uint64(rec.Length)
		q.remove(rec)
	}

	return released, bytes, nil
}

// Drain removes every record without releasing storage. Used at writer close
// after the shadow file has been unlinked, when the backing storage is gone
// anyway.
func (q *ReclaimQueue) Drain() int {
	n := q.length
	q.head, q.tail, q.length = nil, nil, 0
	return n
}

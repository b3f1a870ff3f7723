package swmr

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// schedEntry is one file's position in the EOT queue.
type schedEntry struct {
	file      *File
	writer    bool
	tick      uint64
	endOfTick time.Time

	next, prev *schedEntry
}

// Scheduler is the process-wide end-of-tick queue: every open SWMR file,
// writer or reader, ordered by ascending tick deadline. Files with equal
// deadlines keep FIFO order.
//
// Dispatch is driven externally through the API trampoline: EnterAPI and
// ExitAPI bracket every outermost library call, and only the 0→1 and 1→0
// transitions of the entry counter check the head deadline.
type Scheduler struct {
	mu     sync.Mutex
	head   *schedEntry
	tail   *schedEntry
	length int

	// Head observables, maintained on every insert and remove so the
	// trampoline can test "is an EOT due?" without walking the queue.
	headIsWriter bool
	headEOT      time.Time
	headValid    bool

	apiDepth int
}

// DefaultScheduler is the process-wide scheduler used when Options leaves
// Scheduler nil.
var DefaultScheduler = NewScheduler()

// NewScheduler creates an empty EOT scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Len returns the number of queued files.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.length
}

// HeadIsWriter reports whether the head entry belongs to the writer.
// The second return is false when the queue is empty.
func (s *Scheduler) HeadIsWriter() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headIsWriter, s.headValid
}

// HeadEndOfTick returns the head entry's deadline.
// The second return is false when the queue is empty.
func (s *Scheduler) HeadEndOfTick() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headEOT, s.headValid
}

// updateHeadLocked refreshes the head observables.
func (s *Scheduler) updateHeadLocked() {
	if s.head == nil {
		s.headValid = false
		s.headIsWriter = false
		s.headEOT = time.Time{}
		return
	}
	s.headValid = true
	s.headIsWriter = s.head.writer
	s.headEOT = s.head.endOfTick
}

// InsertEntry queues a file by its current tick deadline.
//
// The walk runs from the tail toward the head and inserts after the first
// entry whose deadline is not later than the new one, so files with equal
// deadlines dispatch in insertion order.
func (s *Scheduler) InsertEntry(f *File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(f)
}

func (s *Scheduler) insertLocked(f *File) {
	e := &schedEntry{
		file:      f,
		writer:    f.role == RoleWriter,
		tick:      f.tick,
		endOfTick: f.endOfTick,
	}

	var prec *schedEntry
	for prec = s.tail; prec != nil; prec = prec.prev {
		if !prec.endOfTick.After(e.endOfTick) {
			break
		}
	}

	if prec == nil {
		e.next = s.head
		if s.head != nil {
			s.head.prev = e
		}
		s.head = e
		if s.tail == nil {
			s.tail = e
		}
	} else {
		e.next = prec.next
		e.prev = prec
		if prec.next != nil {
			prec.next.prev = e
		} else {
			s.tail = e
		}
		prec.next = e
	}

	s.length++
	s.updateHeadLocked()
}

// RemoveEntry removes a file from the queue, if present.
func (s *Scheduler) RemoveEntry(f *File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(f)
}

func (s *Scheduler) removeLocked(f *File) {
	var e *schedEntry
	for e = s.head; e != nil; e = e.next {
		if e.file == f {
			break
		}
	}
	if e == nil {
		return
	}

	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}

	s.length--
	s.updateHeadLocked()
}

// Reinsert removes and requeues a file after its deadline changed.
func (s *Scheduler) Reinsert(f *File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(f)
	s.insertLocked(f)
}

// EnterAPI marks entry into an outermost library call. On the 0→1
// transition, any due end-of-tick operations run before the call proceeds.
func (s *Scheduler) EnterAPI(ctx context.Context) error {
	s.mu.Lock()
	s.apiDepth++
	outermost := s.apiDepth == 1
	s.mu.Unlock()

	if !outermost {
		return nil
	}
	return s.dispatchDue(ctx)
}

// ExitAPI marks exit from a library call. On the 1→0 transition, any due
// end-of-tick operations run before control returns to the application.
func (s *Scheduler) ExitAPI(ctx context.Context) error {
	s.mu.Lock()
	if s.apiDepth > 0 {
		s.apiDepth--
	}
	innermost := s.apiDepth == 0
	s.mu.Unlock()

	if !innermost {
		return nil
	}
	return s.dispatchDue(ctx)
}

// dispatchDue runs end-of-tick for head entries whose deadline has passed.
// Each run removes and reinserts its file with a later deadline, so the loop
// terminates once every queued file has a future deadline.
func (s *Scheduler) dispatchDue(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.head == nil || time.Now().Before(s.head.endOfTick) {
			s.mu.Unlock()
			return nil
		}
		f := s.head.file
		s.mu.Unlock()

		if err := f.RunEndOfTick(ctx); err != nil {
			return fmt.Errorf("end of tick for %s: %w", f.MDFilePath(), err)
		}
	}
}

// Dump writes a line per queued entry, head first.
func (s *Scheduler) Dump(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := 0
	for e := s.head; e != nil; e = e.next {
		fmt.Fprintf(w, "%d: %s tick %d, end_of_tick %s, md_file %s\n",
			i, e.file.role, e.tick, e.endOfTick.Format(time.RFC3339Nano), e.file.MDFilePath())
		i++
	}
	if i == 0 {
		fmt.Fprintln(w, "EOT queue is empty")
	}
}

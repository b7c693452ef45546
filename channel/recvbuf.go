package channel

import (
	"fmt"
	"sync"
)

const defaultMaxBytesPerRead = 64 * 1024

// MaxBytesRecvAllocator sizes receive buffers by decrementing a
// per-read-cycle byte budget, capping each individual read. Invariant:
// maxBytesPerIndividualRead <= maxBytesPerRead, enforced on construction and
// on every mutator.
type MaxBytesRecvAllocator struct {
	mu                        sync.Mutex
	maxBytesPerRead           int
	maxBytesPerIndividualRead int
}

func NewMaxBytesRecvAllocator(maxBytesPerRead, maxBytesPerIndividualRead int) (*MaxBytesRecvAllocator, error) {
	if err := checkMaxBytesPair(maxBytesPerRead, maxBytesPerIndividualRead); err != nil {
		return nil, err
	}
	return &MaxBytesRecvAllocator{
		maxBytesPerRead:           maxBytesPerRead,
		maxBytesPerIndividualRead: maxBytesPerIndividualRead,
	}, nil
}

func DefaultRecvAllocator() *MaxBytesRecvAllocator {
	a, _ := NewMaxBytesRecvAllocator(defaultMaxBytesPerRead, defaultMaxBytesPerRead)
	return a
}

func checkMaxBytesPair(maxBytesPerRead, maxBytesPerIndividualRead int) error {
	if maxBytesPerRead <= 0 {
		return fmt.Errorf("maxBytesPerRead must be > 0, got %d", maxBytesPerRead)
	}
	if maxBytesPerIndividualRead <= 0 {
		return fmt.Errorf("maxBytesPerIndividualRead must be > 0, got %d", maxBytesPerIndividualRead)
	}
	if maxBytesPerRead < maxBytesPerIndividualRead {
		return fmt.Errorf("maxBytesPerRead (%d) cannot be less than maxBytesPerIndividualRead (%d)",
			maxBytesPerRead, maxBytesPerIndividualRead)
	}
	return nil
}

func (a *MaxBytesRecvAllocator) MaxBytesPerRead() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxBytesPerRead
}

func (a *MaxBytesRecvAllocator) MaxBytesPerIndividualRead() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxBytesPerIndividualRead
}

func (a *MaxBytesRecvAllocator) SetMaxBytesPerRead(n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := checkMaxBytesPair(n, a.maxBytesPerIndividualRead); err != nil {
		return err
	}
	a.maxBytesPerRead = n
	return nil
}

func (a *MaxBytesRecvAllocator) SetMaxBytesPerIndividualRead(n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := checkMaxBytesPair(a.maxBytesPerRead, n); err != nil {
		return err
	}
	a.maxBytesPerIndividualRead = n
	return nil
}

func (a *MaxBytesRecvAllocator) pair() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxBytesPerRead, a.maxBytesPerIndividualRead
}

// NewHandle returns the per-read-cycle scratch state. Handles are owned by
// one channel and touched only on its loop goroutine.
func (a *MaxBytesRecvAllocator) NewHandle() *RecvHandle {
	h := &RecvHandle{alloc: a}
	h.moreData = func(h *RecvHandle) bool { return h.attemptedBytesRead == h.lastBytesRead }
	return h
}

// RecvHandle decides how many bytes to attempt per read and whether the read
// cycle should continue.
type RecvHandle struct {
	alloc              *MaxBytesRecvAllocator
	individualReadMax  int
	bytesToRead        int
	lastBytesRead      int
	attemptedBytesRead int
	messagesRead       int
	moreData           func(*RecvHandle) bool
}

// Reset reinitializes the cycle budget from the configured totals.
func (h *RecvHandle) Reset() {
	h.bytesToRead, h.individualReadMax = h.alloc.pair()
	h.lastBytesRead = 0
	h.attemptedBytesRead = 0
	h.messagesRead = 0
}

// Guess is the next buffer size to allocate: min(cap, remaining budget).
func (h *RecvHandle) Guess() int {
	if h.individualReadMax < h.bytesToRead {
		return h.individualReadMax
	}
	return h.bytesToRead
}

// LastBytesRead records the result of a read and decrements the budget. A
// negative value signals end-of-stream and is handled by the caller; the
// budget arithmetic deliberately does not special-case it because reading
// stops anyway.
func (h *RecvHandle) LastBytesRead(n int) {
	h.lastBytesRead = n
	h.bytesToRead -= n
}

func (h *RecvHandle) LastRead() int { return h.lastBytesRead }

func (h *RecvHandle) AttemptedBytesRead(n int) { h.attemptedBytesRead = n }

func (h *RecvHandle) IncMessagesRead(n int) { h.messagesRead += n }

func (h *RecvHandle) MessagesRead() int { return h.messagesRead }

// ContinueReading reports whether budget remains and the continuation
// predicate still signals that more data may be available.
func (h *RecvHandle) ContinueReading() bool {
	return h.bytesToRead > 0 && h.moreData(h)
}

// SetMoreDataPredicate overrides the continuation predicate. Datagram-style
// channels install an always-true predicate: a short datagram says nothing
// about follow-up datagrams.
func (h *RecvHandle) SetMoreDataPredicate(f func(*RecvHandle) bool) {
	h.moreData = f
}

package engine

import (
	"sync/atomic"

	"github.com/tetratelabs/wazero/experimental"
)

// cappedAllocator backs guest linear memory for one execution. Growth past
// limit fails inside the guest (memory.grow returns -1) and is remembered so
// the engine can report MemoryLimitExceeded.
type cappedAllocator struct {
	limit    uint64
	exceeded atomic.Bool
}

var _ experimental.MemoryAllocator = (*cappedAllocator)(nil)

func newCappedAllocator(limit uint64) *cappedAllocator {
	return &cappedAllocator{limit: limit}
}

func (a *cappedAllocator) Allocate(_, _ uint64) experimental.LinearMemory {
	return &cappedMemory{alloc: a}
}

// Exceeded reports whether the guest tried to grow past the limit.
func (a *cappedAllocator) Exceeded() bool { return a.exceeded.Load() }

type cappedMemory struct {
	alloc *cappedAllocator
	buf   []byte
}

func (m *cappedMemory) Reallocate(size uint64) []byte {
	if size > m.alloc.limit {
		m.alloc.exceeded.Store(true)
		return nil
	}
	if size <= uint64(cap(m.buf)) {
		m.buf = m.buf[:size]
		return m.buf
	}
	// Double to amortize repeated small grows, never reserving past the limit.
	c := max(size, 2*uint64(cap(m.buf)))
	c = min(c, m.alloc.limit)
	buf := make([]byte, size, c)
	copy(buf, m.buf)
	m.buf = buf
	return m.buf
}

func (m *cappedMemory) Free() {
	m.buf = nil
}

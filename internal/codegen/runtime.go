package codegen

import (
	"fmt"
	"sync"

	"github.com/tinyrange/jit/internal/codeheap"
	"github.com/tinyrange/jit/internal/ir"
	"github.com/tinyrange/jit/internal/regset"
)

// Runtime is the execution environment generated code runs in.
type Runtime interface {
	// HelperAddress returns the entry point of a runtime helper.
	HelperAddress(h ir.Helper) uint64
	// HelperKillSet returns the registers a helper call clobbers. ok is
	// false when the helper uses the default call kill set.
	HelperKillSet(h ir.Helper) (kill regset.Set, ok bool)
	// AllocCode reserves a buffer of at least size bytes.
	AllocCode(size int) (CodeBuffer, error)
}

// CodeBuffer is memory reserved for one method's final code.
type CodeBuffer interface {
	Address() uint64
	Size() int
	Commit(code []byte) error
	// Release gives the reservation back. It is called when compilation
	// fails after the buffer was reserved.
	Release() error
}

const helperBase uint64 = 0x7ff0_0000_0000

// defaultHelperAddress lays out fake helper entry points for offline use.
func defaultHelperAddress(h ir.Helper) uint64 {
	return helperBase + uint64(h)*0x40
}

// OfflineRuntime keeps code in ordinary memory. Helper addresses are
// placeholders; the code is not meant to run.
type OfflineRuntime struct {
	mu   sync.Mutex
	next uint64
}

func NewOfflineRuntime() *OfflineRuntime {
	return &OfflineRuntime{next: 0x1000_0000}
}

func (r *OfflineRuntime) HelperAddress(h ir.Helper) uint64 { return defaultHelperAddress(h) }

func (r *OfflineRuntime) HelperKillSet(ir.Helper) (regset.Set, bool) { return regset.Empty, false }

func (r *OfflineRuntime) AllocCode(size int) (CodeBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("codegen: invalid code reservation %d", size)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := &memoryBuffer{addr: r.next, size: size}
	r.next += uint64(size+15) &^ 15
	return buf, nil
}

type memoryBuffer struct {
	addr uint64
	size int
	code []byte
}

func (b *memoryBuffer) Address() uint64 { return b.addr }
func (b *memoryBuffer) Size() int       { return b.size }

func (b *memoryBuffer) Release() error {
	b.code = nil
	return nil
}

func (b *memoryBuffer) Commit(code []byte) error {
	if len(code) > b.size {
		return fmt.Errorf("%w: %d bytes into %d", codeheap.ErrOverrun, len(code), b.size)
	}
	if b.code != nil {
		return codeheap.ErrCommitted
	}
	b.code = append([]byte(nil), code...)
	return nil
}

// HeapRuntime places code in an executable code heap.
type HeapRuntime struct {
	Heap *codeheap.Heap
	// Helpers overrides helper entry points.
	Helpers map[ir.Helper]uint64
	// KillSets overrides helper kill sets.
	KillSets map[ir.Helper]regset.Set
}

func (r *HeapRuntime) HelperAddress(h ir.Helper) uint64 {
	if addr, ok := r.Helpers[h]; ok {
		return addr
	}
	return defaultHelperAddress(h)
}

func (r *HeapRuntime) HelperKillSet(h ir.Helper) (regset.Set, bool) {
	kill, ok := r.KillSets[h]
	return kill, ok
}

func (r *HeapRuntime) AllocCode(size int) (CodeBuffer, error) {
	return r.Heap.Reserve(size)
}

var (
	_ Runtime    = (*OfflineRuntime)(nil)
	_ Runtime    = (*HeapRuntime)(nil)
	_ CodeBuffer = (*codeheap.Block)(nil)
)

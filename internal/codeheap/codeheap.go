// Package codeheap reserves memory for generated code and seals it once the
// final bytes are known.
package codeheap

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

var (
	// ErrOverrun is returned when committed code exceeds its reservation.
	ErrOverrun = errors.New("codeheap: code exceeds reservation")
	// ErrCommitted is returned when a block is committed twice.
	ErrCommitted = errors.New("codeheap: block already committed")
	ErrClosed    = errors.New("codeheap: heap closed")
)

// Heap hands out code blocks. It is safe for concurrent use.
type Heap struct {
	mu       sync.Mutex
	blocks   map[*Block]struct{}
	reserved int64
	closed   bool
}

func New() *Heap {
	return &Heap{blocks: make(map[*Block]struct{})}
}

// Block is one reservation.
type Block struct {
	heap      *Heap
	mem       []byte
	size      int
	used      int
	committed bool
}

// Reserve maps at least size writable bytes.
func (h *Heap) Reserve(size int) (*Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("codeheap: invalid reservation size %d", size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	mem, err := mapWritable(roundUp(size, pageSize()))
	if err != nil {
		return nil, fmt.Errorf("codeheap: reserve %d bytes: %w", size, err)
	}
	b := &Block{heap: h, mem: mem, size: size}
	h.blocks[b] = struct{}{}
	h.reserved += int64(len(mem))
	return b, nil
}

// Reserved reports the number of mapped bytes.
func (h *Heap) Reserved() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reserved
}

// Close releases every block.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for b := range h.blocks {
		errs = append(errs, unmap(b.mem))
		b.mem = nil
	}
	clear(h.blocks)
	h.reserved = 0
	h.closed = true
	return errors.Join(errs...)
}

// Size is the reserved size.
func (b *Block) Size() int { return b.size }

// Address is the start of the block.
func (b *Block) Address() uint64 {
	if len(b.mem) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b.mem[0])))
}

// Commit copies code into the block and makes it executable. Code longer
// than the reservation fails with ErrOverrun and leaves the block writable.
func (b *Block) Commit(code []byte) error {
	if b.committed {
		return ErrCommitted
	}
	if b.mem == nil {
		return ErrClosed
	}
	if len(code) > b.size {
		return fmt.Errorf("%w: %d bytes into %d", ErrOverrun, len(code), b.size)
	}
	copy(b.mem, code)
	if err := protectExecutable(b.mem); err != nil {
		return fmt.Errorf("codeheap: seal block: %w", err)
	}
	b.used = len(code)
	b.committed = true
	return nil
}

// Bytes returns the committed code.
func (b *Block) Bytes() []byte {
	if !b.committed {
		return nil
	}
	return b.mem[:b.used:b.used]
}

// Release unmaps the block.
func (b *Block) Release() error {
	h := b.heap
	h.mu.Lock()
	defer h.mu.Unlock()
	if b.mem == nil {
		return nil
	}
	delete(h.blocks, b)
	h.reserved -= int64(len(b.mem))
	err := unmap(b.mem)
	b.mem = nil
	return err
}

func roundUp(n, align int) int { return (n + align - 1) &^ (align - 1) }

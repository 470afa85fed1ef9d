package codeheap

import (
	"bytes"
	"errors"
	"testing"
)

func TestCommit(t *testing.T) {
	h := New()
	defer h.Close()
	b, err := h.Reserve(16)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if b.Address() == 0 {
		t.Fatalf("block has no address")
	}
	code := []byte{0x90, 0x90, 0xc3}
	if err := b.Commit(code); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !bytes.Equal(b.Bytes(), code) {
		t.Fatalf("Bytes = %x", b.Bytes())
	}
	if err := b.Commit(code); !errors.Is(err, ErrCommitted) {
		t.Fatalf("second Commit: %v", err)
	}
}

func TestCommitOverrun(t *testing.T) {
	h := New()
	defer h.Close()
	b, err := h.Reserve(4)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := b.Commit(make([]byte, 5)); !errors.Is(err, ErrOverrun) {
		t.Fatalf("Commit: %v, want ErrOverrun", err)
	}
	// Shorter code than reserved is fine.
	if err := b.Commit(make([]byte, 3)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestReleaseAndClose(t *testing.T) {
	h := New()
	b, err := h.Reserve(10)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if h.Reserved() < 10 {
		t.Fatalf("Reserved = %d", h.Reserved())
	}
	if err := b.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if h.Reserved() != 0 {
		t.Fatalf("Reserved after release = %d", h.Reserved())
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := h.Reserve(1); !errors.Is(err, ErrClosed) {
		t.Fatalf("Reserve after Close: %v", err)
	}
	if _, err := h.Reserve(0); err == nil {
		t.Fatalf("zero reservation accepted")
	}
}

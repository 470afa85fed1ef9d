//go:build !unix

package codeheap

// Without mmap the heap only stores code; nothing is executable.

func pageSize() int { return 4096 }

func mapWritable(size int) ([]byte, error) { return make([]byte, size), nil }

func protectExecutable([]byte) error { return nil }

func unmap([]byte) error { return nil }

package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"

	"github.com/tinyrange/jit/internal/codegen"
	"github.com/tinyrange/jit/internal/unwind"
)

const (
	imageMagic   = "JITI"
	imageVersion = 1
)

var errBadImage = errors.New("jitc: malformed image")

// imageRegion is one unwind region as stored in an image.
type imageRegion struct {
	Kind       unwind.RegionKind
	Start, End uint32
	Blob       []byte
}

// imageMethod is the stored form of one compiled method.
type imageMethod struct {
	ID      uuid.UUID
	Name    string
	Arch    string
	Code    []byte
	HotSize int
	EH      []codegen.NativeEHClause
	Unwind  []imageRegion
	GCInfo  []byte
}

func methodFromResult(r *codegen.Result) imageMethod {
	m := imageMethod{
		ID:      r.ID,
		Name:    r.Method,
		Arch:    string(r.Arch),
		Code:    r.Code,
		HotSize: r.HotSize,
		EH:      r.EH,
		GCInfo:  r.GCInfo,
	}
	for _, reg := range r.Unwind {
		m.Unwind = append(m.Unwind, imageRegion{Kind: reg.Kind, Start: reg.Start, End: reg.End, Blob: reg.Blob})
	}
	return m
}

type imageWriter struct {
	buf []byte
}

func (w *imageWriter) uvarint(v uint64) { w.buf = binary.AppendUvarint(w.buf, v) }

func (w *imageWriter) bytes(b []byte) {
	w.uvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *imageWriter) string(s string) { w.bytes([]byte(s)) }

// writeImage serializes methods to out, lz4 compressed when compress is set.
func writeImage(out io.Writer, methods []imageMethod, compress bool) error {
	w := &imageWriter{buf: []byte(imageMagic)}
	w.uvarint(imageVersion)
	w.uvarint(uint64(len(methods)))
	for _, m := range methods {
		w.buf = append(w.buf, m.ID[:]...)
		w.string(m.Name)
		w.string(m.Arch)
		w.bytes(m.Code)
		w.uvarint(uint64(m.HotSize))
		w.uvarint(uint64(len(m.EH)))
		for _, c := range m.EH {
			for _, v := range []uint32{uint32(c.Flags), c.TryStart, c.TryEnd, c.HandlerStart, c.HandlerEnd, c.ClassToken} {
				w.uvarint(uint64(v))
			}
		}
		w.uvarint(uint64(len(m.Unwind)))
		for _, r := range m.Unwind {
			w.uvarint(uint64(r.Kind))
			w.uvarint(uint64(r.Start))
			w.uvarint(uint64(r.End))
			w.bytes(r.Blob)
		}
		w.bytes(m.GCInfo)
	}

	if !compress {
		_, err := out.Write(w.buf)
		return err
	}
	zw := lz4.NewWriter(out)
	if _, err := zw.Write(w.buf); err != nil {
		return fmt.Errorf("jitc: compress image: %w", err)
	}
	return zw.Close()
}

type imageReader struct {
	buf []byte
	err error
}

func (r *imageReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = errBadImage
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *imageReader) take(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)) {
		r.err = errBadImage
		return nil
	}
	out := bytes.Clone(r.buf[:n])
	r.buf = r.buf[n:]
	return out
}

func (r *imageReader) bytes() []byte { return r.take(r.uvarint()) }

// readImage decodes an image written by writeImage, compressed or not.
func readImage(in io.Reader) ([]imageMethod, error) {
	br := bufio.NewReader(in)
	head, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadImage, err)
	}
	var src io.Reader = br
	if string(head) != imageMagic {
		src = lz4.NewReader(br)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("jitc: read image: %w", err)
	}
	if !bytes.HasPrefix(data, []byte(imageMagic)) {
		return nil, fmt.Errorf("%w: bad magic", errBadImage)
	}

	r := &imageReader{buf: data[len(imageMagic):]}
	if v := r.uvarint(); r.err == nil && v != imageVersion {
		return nil, fmt.Errorf("%w: version %d", errBadImage, v)
	}
	n := r.uvarint()
	var out []imageMethod
	for i := uint64(0); i < n && r.err == nil; i++ {
		var m imageMethod
		copy(m.ID[:], r.take(16))
		m.Name = string(r.bytes())
		m.Arch = string(r.bytes())
		m.Code = r.bytes()
		m.HotSize = int(r.uvarint())
		for range r.uvarint() {
			if r.err != nil {
				break
			}
			var c codegen.NativeEHClause
			c.Flags = codegen.EHFlags(r.uvarint())
			c.TryStart = uint32(r.uvarint())
			c.TryEnd = uint32(r.uvarint())
			c.HandlerStart = uint32(r.uvarint())
			c.HandlerEnd = uint32(r.uvarint())
			c.ClassToken = uint32(r.uvarint())
			m.EH = append(m.EH, c)
		}
		for range r.uvarint() {
			if r.err != nil {
				break
			}
			var reg imageRegion
			reg.Kind = unwind.RegionKind(r.uvarint())
			reg.Start = uint32(r.uvarint())
			reg.End = uint32(r.uvarint())
			reg.Blob = r.bytes()
			m.Unwind = append(m.Unwind, reg)
		}
		m.GCInfo = r.bytes()
		out = append(out, m)
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", errBadImage, len(r.buf))
	}
	return out, nil
}

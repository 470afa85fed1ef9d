package main

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/tinyrange/jit/internal/codegen"
	"github.com/tinyrange/jit/internal/ir"
)

const leaf = `
name: Leaf
arch: arm64
blocks:
  - id: 0
    kind: return
`

func compileLeaf(t *testing.T) *codegen.Result {
	t.Helper()
	d, err := ir.DecodeDescription(strings.NewReader(leaf))
	if err != nil {
		t.Fatal(err)
	}
	res, err := func() (*codegen.Result, error) {
		tgt, err := codegen.LookupTarget(ir.ArchitectureARM64)
		if err != nil {
			return nil, err
		}
		m, err := d.Build(tgt)
		if err != nil {
			return nil, err
		}
		return codegen.CompileWith(m, tgt, codegen.Options{})
	}()
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestImageRoundTrip(t *testing.T) {
	want := []imageMethod{methodFromResult(compileLeaf(t))}
	for _, compress := range []bool{false, true} {
		var buf bytes.Buffer
		if err := writeImage(&buf, want, compress); err != nil {
			t.Fatal(err)
		}
		if compress == bytes.HasPrefix(buf.Bytes(), []byte(imageMagic)) {
			t.Fatalf("compress=%v wrote % x", compress, buf.Bytes()[:4])
		}
		got, err := readImage(&buf)
		if err != nil {
			t.Fatalf("compress=%v: %v", compress, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("compress=%v: got %+v, want %+v", compress, got, want)
		}
	}
}

func TestReadImageTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := writeImage(&buf, []imageMethod{methodFromResult(compileLeaf(t))}, false); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	if _, err := readImage(bytes.NewReader(data[:len(data)-3])); !errors.Is(err, errBadImage) {
		t.Fatalf("err = %v, want errBadImage", err)
	}
}

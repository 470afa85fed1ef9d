// Package timeslice measures the phases of a compilation and optionally
// streams the measurements to a binary trace.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

type header struct {
	Magic             uint32
	Version           uint32
	RecordKindsLength uint32
}

// Phase is one step of a compilation.
type Phase uint32

const (
	PhaseInvalid Phase = iota
	PhaseValidate
	PhaseFrameLayout
	PhaseBuild
	PhaseEstimate
	PhaseEmit
	PhaseEHTable
	PhaseTables
	phaseCount
)

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

const (
	// SliceFlagEmit marks phases that produce machine code.
	SliceFlagEmit SliceFlags = 1 << iota
	// SliceFlagMetadata marks phases that produce runtime tables.
	SliceFlagMetadata
)

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagEmit != 0 {
		flags = append(flags, "emit")
	}
	if f&SliceFlagMetadata != 0 {
		flags = append(flags, "metadata")
	}
	return strings.Join(flags, ",")
}

var phases = [phaseCount]SliceInfo{
	PhaseInvalid:     {Name: "invalid"},
	PhaseValidate:    {Name: "validate"},
	PhaseFrameLayout: {Name: "frame-layout"},
	PhaseBuild:       {Name: "build"},
	PhaseEstimate:    {Name: "estimate", Flags: SliceFlagEmit},
	PhaseEmit:        {Name: "emit", Flags: SliceFlagEmit},
	PhaseEHTable:     {Name: "eh-table", Flags: SliceFlagMetadata},
	PhaseTables:      {Name: "gc-unwind-tables", Flags: SliceFlagMetadata},
}

func (p Phase) String() string {
	if p < phaseCount {
		return phases[p].Name
	}
	return fmt.Sprintf("Phase(%d)", uint32(p))
}

func (p Phase) Flags() SliceFlags {
	if p < phaseCount {
		return phases[p].Flags
	}
	return 0
}

// Timing is the duration of one phase.
type Timing struct {
	Phase    Phase
	Duration time.Duration
}

// Recorder measures the consecutive phases of one compilation.
// It is not thread safe, and should not be used concurrently.
type Recorder struct {
	last    time.Time
	sink    *Sink
	timings []Timing
}

// NewRecorder starts the clock. sink may be nil.
func NewRecorder(sink *Sink) *Recorder {
	return &Recorder{last: time.Now(), sink: sink}
}

// Record attributes the time since the previous call to p.
func (r *Recorder) Record(p Phase) {
	now := time.Now()
	d := now.Sub(r.last)
	r.last = now
	r.timings = append(r.timings, Timing{Phase: p, Duration: d})
	r.sink.Record(p, d)
}

func (r *Recorder) Timings() []Timing { return r.timings }

func (r *Recorder) Total() time.Duration {
	var total time.Duration
	for _, t := range r.timings {
		total += t.Duration
	}
	return total
}

type record struct {
	ID       uint64
	Duration int64
}

var recordSize = binary.Size(record{})

// Sink streams records to a writer from a background goroutine. It is safe
// for concurrent use.
type Sink struct {
	w      io.Writer
	mu     sync.RWMutex
	closed bool
	ch     chan record
	done   chan error
}

// Open writes the trace header to w and starts the writer goroutine.
func Open(w io.Writer) (*Sink, error) {
	kinds := make(map[uint64]SliceInfo, phaseCount)
	for p := PhaseValidate; p < phaseCount; p++ {
		kinds[uint64(p)] = phases[p]
	}
	slices, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal phases: %w", err)
	}

	off := 0
	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:             Magic,
		Version:           Version,
		RecordKindsLength: uint32(len(slices)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	off += binary.Size(header{})

	if _, err := w.Write(slices); err != nil {
		return nil, fmt.Errorf("timeslice: write phases: %w", err)
	}
	off += len(slices)

	// pad to 4096 so records are aligned
	if off%4096 != 0 {
		if _, err := w.Write(make([]byte, 4096-off%4096)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	s := &Sink{
		w:    w,
		ch:   make(chan record, 4096),
		done: make(chan error, 1),
	}
	go s.run()
	return s, nil
}

func (s *Sink) run() {
	var buf [4096]byte
	off := 0
	for rec := range s.ch {
		if off+recordSize > len(buf) {
			if _, err := s.w.Write(buf[:off]); err != nil {
				s.done <- err
				// drain so senders never block
				for range s.ch {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], rec.ID)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(rec.Duration))
		off += recordSize
	}
	if off > 0 {
		if _, err := s.w.Write(buf[:off]); err != nil {
			s.done <- err
			return
		}
	}
	s.done <- nil
}

// Record queues one measurement. A nil or closed sink drops it.
func (s *Sink) Record(p Phase, d time.Duration) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.ch <- record{ID: uint64(p), Duration: d.Nanoseconds()}
}

// Close flushes the queued records.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("timeslice: already closed")
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	if err := <-s.done; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}
	return nil
}

// ReadAllRecords decodes a trace written by a Sink.
func ReadAllRecords(r io.Reader, fn func(phase string, flags SliceFlags, duration time.Duration) error) error {
	var kinds map[uint64]SliceInfo

	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: invalid version %d", hdr.Version)
	}

	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.RecordKindsLength)))
	if err := dec.Decode(&kinds); err != nil {
		return err
	}

	off := int(hdr.RecordKindsLength) + binary.Size(hdr)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return err
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		kind, ok := kinds[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown phase: %d", rec.ID)
		}
		if err := fn(kind.Name, kind.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
	return nil
}

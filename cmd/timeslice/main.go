// Command timeslice summarizes a compile trace written by jitc -trace.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tinyrange/jit/internal/timeslice"
)

type phaseRecord struct {
	Phase string
	Flags timeslice.SliceFlags
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (r *phaseRecord) String() string {
	return fmt.Sprintf("% 20s flags=% 12s count=% 8d sum=% 16s min=% 12s max=% 12s avg=% 12s",
		r.Phase, r.Flags, r.Count,
		r.Sum,
		r.Min,
		r.Max,
		r.Sum/time.Duration(r.Count),
	)
}

func (r *phaseRecord) Add(duration time.Duration) {
	r.Count++
	r.Sum += duration
	if r.Min == 0 || duration < r.Min {
		r.Min = duration
	}
	if r.Max == 0 || duration > r.Max {
		r.Max = duration
	}
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Compile trace written by jitc -trace")
	raw := fs.Bool("raw", false, "Print every record instead of per-phase sums")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open trace: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if *raw {
		if err := timeslice.ReadAllRecords(f, func(phase string, flags timeslice.SliceFlags, duration time.Duration) error {
			fmt.Printf("%s %s %s\n", phase, flags, duration)
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read trace: %v\n", err)
			os.Exit(1)
		}
		return
	}

	records := map[string]*phaseRecord{}
	displayOrder := []string{}
	var total time.Duration
	if err := timeslice.ReadAllRecords(f, func(phase string, flags timeslice.SliceFlags, duration time.Duration) error {
		record, ok := records[phase]
		if !ok {
			displayOrder = append(displayOrder, phase)
			record = &phaseRecord{Phase: phase, Flags: flags}
			records[phase] = record
		}
		record.Add(duration)
		total += duration
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read trace: %v\n", err)
		os.Exit(1)
	}
	for _, phase := range displayOrder {
		fmt.Printf("%s\n", records[phase].String())
	}
	fmt.Printf("% 20s %s\n", "total", total)
}

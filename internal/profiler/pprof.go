package profiler

import (
	"fmt"
	"io"
	"time"

	"github.com/google/pprof/profile"
)

// BuildPprof converts line statistics into a pprof profile with one location
// per (function, line) and the sample types calls/count and time/nanoseconds.
func BuildPprof(lines []LineStat, start time.Time, elapsed time.Duration) *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "calls", Unit: "count"},
			{Type: "time", Unit: "nanoseconds"},
		},
		PeriodType:    &profile.ValueType{Type: "time", Unit: "nanoseconds"},
		Period:        1,
		TimeNanos:     start.UnixNano(),
		DurationNanos: elapsed.Nanoseconds(),
	}

	type fnKey struct{ ref, name string }
	funcs := make(map[fnKey]*profile.Function)

	for _, s := range lines {
		name := s.Function
		if name == "" {
			name = "main chunk"
		}
		k := fnKey{s.Ref.ID, name}
		fn, ok := funcs[k]
		if !ok {
			fn = &profile.Function{
				ID:         uint64(len(prof.Function) + 1),
				Name:       name,
				SystemName: fmt.Sprintf("%s:%s", s.Ref.ID, name),
				Filename:   s.Ref.String(),
			}
			funcs[k] = fn
			prof.Function = append(prof.Function, fn)
		}

		loc := &profile.Location{
			ID:   uint64(len(prof.Location) + 1),
			Line: []profile.Line{{Function: fn, Line: int64(s.Line)}},
		}
		prof.Location = append(prof.Location, loc)
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{s.Hits, s.Time.Nanoseconds()},
			Label:    map[string][]string{"language": {string(s.Ref.Language)}},
		})
	}
	return prof
}

// WritePprof writes the recording of run (all runs when negative) as a
// gzipped pprof protobuf.
func WritePprof(w io.Writer, r *Recorder, run int) error {
	var elapsed time.Duration
	if run >= 0 {
		elapsed = r.Elapsed(run)
	}
	prof := BuildPprof(r.Lines(run), r.now(), elapsed)
	if err := prof.CheckValid(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	return prof.Write(w)
}

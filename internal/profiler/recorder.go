package profiler

import (
	"sort"
	"sync"
	"time"

	"github.com/ctagard/codetrace/pkg/types"
)

// LineStat aggregates the events recorded at one line of one function
type LineStat struct {
	Ref      types.CodeReference
	Function string
	Line     int
	Hits     int64
	Time     time.Duration
}

type lineKey struct {
	ref  string
	fn   string
	line int
}

type activation struct {
	depth int
	since time.Time
}

// threadState tracks one thread inside a run
type threadState struct {
	active map[string]*activation
	last   *lineKey
	lastAt time.Time
	// callers holds the current line of every frame below the top
	callers []*lineKey
}

type runData struct {
	index     int
	contexts  []types.ContextIdentity
	ended     map[string]bool
	started   time.Time
	finished  time.Time
	done      bool
	lines     map[lineKey]*LineStat
	durations map[string]time.Duration
	threads   map[int64]*threadState
}

// Recorder is the in-memory Profiler. It is safe for concurrent use by
// several executions.
type Recorder struct {
	now func() time.Time

	mu     sync.Mutex
	epoch  int
	runs   []*runData
	groups []*Group
	open   map[string]*Group
}

// RecorderOption configures a Recorder
type RecorderOption func(*Recorder)

// WithClock replaces time.Now
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates an empty recording
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{now: time.Now, open: make(map[string]*Group)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) Begin() Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := &runData{
		index:     len(r.runs),
		ended:     make(map[string]bool),
		started:   r.now(),
		lines:     make(map[lineKey]*LineStat),
		durations: make(map[string]time.Duration),
		threads:   make(map[int64]*threadState),
	}
	r.runs = append(r.runs, d)
	return &recorderRun{r: r, d: d, epoch: r.epoch}
}

func (r *Recorder) BeginContextGroup(group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.open[group]; ok {
		return
	}
	g := &Group{ID: group}
	r.groups = append(r.groups, g)
	r.open[group] = g
}

func (r *Recorder) EndContextGroup(group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.open[group]; ok {
		g.Closed = true
		delete(r.open, group)
	}
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
	r.runs = nil
	r.groups = nil
	r.open = make(map[string]*Group)
}

func (r *Recorder) GetRunCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func (r *Recorder) GetLastContext() types.ContextIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.runs) - 1; i >= 0; i-- {
		if cs := r.runs[i].contexts; len(cs) > 0 {
			return cs[len(cs)-1]
		}
	}
	return types.Unknown
}

func (r *Recorder) GetLastContextOf(run int) types.ContextIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run < 0 || run >= len(r.runs) {
		return types.Unknown
	}
	cs := r.runs[run].contexts
	if len(cs) == 0 {
		return types.Unknown
	}
	return cs[len(cs)-1]
}

func (r *Recorder) GetContexts(run int) []types.ContextIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run < 0 || run >= len(r.runs) {
		return nil
	}
	return append([]types.ContextIdentity(nil), r.runs[run].contexts...)
}

func (r *Recorder) GetGroups() []Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Group, len(r.groups))
	for i, g := range r.groups {
		out[i] = Group{ID: g.ID, Runs: append([]int(nil), g.Runs...), Closed: g.Closed}
	}
	return out
}

func (r *Recorder) Duration(ref types.CodeReference) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total time.Duration
	for _, d := range r.runs {
		total += d.durations[ref.ID]
	}
	return total
}

func (r *Recorder) Coverage(ref types.CodeReference) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[int]struct{})
	for _, d := range r.runs {
		for k := range d.lines {
			if k.ref == ref.ID {
				seen[k.line] = struct{}{}
			}
		}
	}
	out := make([]int, 0, len(seen))
	for line := range seen {
		out = append(out, line)
	}
	sort.Ints(out)
	return out
}

// Lines returns the line statistics of one run, or of all runs merged when
// run is negative. Results are ordered by code unit, line and function.
func (r *Recorder) Lines(run int) []LineStat {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := make(map[lineKey]*LineStat)
	for _, d := range r.runs {
		if run >= 0 && d.index != run {
			continue
		}
		for k, s := range d.lines {
			m, ok := merged[k]
			if !ok {
				c := *s
				merged[k] = &c
				continue
			}
			m.Hits += s.Hits
			m.Time += s.Time
		}
	}

	out := make([]LineStat, 0, len(merged))
	for _, s := range merged {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Ref.ID != b.Ref.ID {
			return a.Ref.ID < b.Ref.ID
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Function < b.Function
	})
	return out
}

// Elapsed returns the wall time between Begin and End of a run
func (r *Recorder) Elapsed(run int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run < 0 || run >= len(r.runs) || !r.runs[run].done {
		return 0
	}
	d := r.runs[run]
	return d.finished.Sub(d.started)
}

type recorderRun struct {
	r     *Recorder
	d     *runData
	epoch int
}

// locked runs fn under the recorder lock unless the recording was reset
func (h *recorderRun) locked(fn func(d *runData)) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if h.epoch != h.r.epoch {
		return
	}
	fn(h.d)
}

func (h *recorderRun) Index() int { return h.d.index }

func (h *recorderRun) BeginContext(id types.ContextIdentity) {
	h.locked(func(d *runData) {
		d.contexts = append(d.contexts, id)
		if id.Parent == "" {
			return
		}
		for _, g := range h.r.groups {
			if g.ID == id.Parent {
				g.Runs = append(g.Runs, d.index)
			}
		}
	})
}

func (h *recorderRun) EndContext(id types.ContextIdentity) {
	h.locked(func(d *runData) {
		d.ended[id.ID] = true
	})
}

func (h *recorderRun) End() {
	h.locked(func(d *runData) {
		if !d.done {
			d.done = true
			d.finished = h.r.now()
		}
	})
}

func (h *recorderRun) Trace(f types.ExecFrame) {
	h.locked(func(d *runData) {
		at := h.r.now()
		ts, ok := d.threads[f.Thread]
		if !ok {
			ts = &threadState{active: make(map[string]*activation)}
			d.threads[f.Thread] = ts
		}
		if ts.last != nil {
			d.lines[*ts.last].Time += at.Sub(ts.lastAt)
		}
		ts.lastAt = at

		switch f.Event {
		case types.EventCall:
			act, ok := ts.active[f.Ref.ID]
			if !ok {
				act = &activation{since: at}
				ts.active[f.Ref.ID] = act
			}
			act.depth++
			ts.callers = append(ts.callers, ts.last)
			ts.last = nil

		case types.EventReturn:
			if act, ok := ts.active[f.Ref.ID]; ok {
				act.depth--
				if act.depth == 0 {
					d.durations[f.Ref.ID] += at.Sub(act.since)
					delete(ts.active, f.Ref.ID)
				}
			}
			ts.last = nil
			if n := len(ts.callers); n > 0 {
				ts.last = ts.callers[n-1]
				ts.callers = ts.callers[:n-1]
			}

		case types.EventLine, types.EventException:
			k := lineKey{ref: f.Ref.ID, fn: f.Name, line: f.Pos.Line}
			s, ok := d.lines[k]
			if !ok {
				s = &LineStat{Ref: f.Ref, Function: f.Name, Line: f.Pos.Line}
				d.lines[k] = s
			}
			if f.Event == types.EventLine {
				s.Hits++
			}
			ts.last = &k
		}
	})
}

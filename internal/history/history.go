// Package history implements the central ledger of every point proposed
// or computed by a campaign: a growable, column-oriented table indexed by
// sim_id. It is grounded on the teacher's scheduler/state.go (typed,
// lock-guarded state records returned as copies) and daemon/db/units.go
// (one row per unit of work, columns keyed by field name).
package history

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// FieldKind identifies the wire/storage type of a user-declared field.
type FieldKind int

const (
	KindFloat64 FieldKind = iota
	KindInt
	KindBool
	KindString
	KindFloat64Vector
)

func (k FieldKind) String() string {
	switch k {
	case KindFloat64:
		return "float64"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindFloat64Vector:
		return "float64[]"
	default:
		return "unknown"
	}
}

// FieldSpec describes one user-declared column (a sim output, gen output,
// or alloc output field). Shape is only meaningful for vector kinds.
type FieldSpec struct {
	Name  string
	Kind  FieldKind
	Shape []int
}

// Specs bundles the field declarations needed to initialize a History.
type Specs struct {
	SimOut   []FieldSpec
	GenOut   []FieldSpec
	AllocOut []FieldSpec
}

func (s Specs) allFields() []FieldSpec {
	out := make([]FieldSpec, 0, len(s.SimOut)+len(s.GenOut)+len(s.AllocOut))
	out = append(out, s.SimOut...)
	out = append(out, s.GenOut...)
	out = append(out, s.AllocOut...)
	return out
}

// Row is a single record of a seed history (H0), keyed by field name.
// Reserved fields (sim_id, given, ...) are derived by Initialize, not
// supplied here.
type Row map[string]any

// column is one user-declared field stored contiguously, one slot per
// history row. Using `any` per slot (rather than a typed slice per Kind)
// keeps the column interface uniform across arbitrary user dtypes without
// reflection or per-type codegen; Kind is retained for wire validation.
type column struct {
	spec FieldSpec
	data []any
}

func newColumn(spec FieldSpec, n int) *column {
	return &column{spec: spec, data: make([]any, n)}
}

func (c *column) growBy(n int) {
	c.data = append(c.data, make([]any, n)...)
}

// Batch is a set of rows produced by a single gen or sim call, addressed
// either by explicit sim_id (for gen outputs that name existing rows) or
// implicitly by append order.
type Batch struct {
	// N is the number of rows in this batch.
	N int
	// SimIDs, if non-nil, must have length N and names the row each
	// entry belongs to. Rows whose sim_id is not already present count
	// as new; others are in-place updates.
	SimIDs []int
	// Fields maps a declared field name to a slice of length N holding
	// that field's value for each row in the batch.
	Fields map[string][]any
}

// History is the mutable, column-oriented ledger described by the data
// model: a closed set of library-reserved columns plus the user-declared
// sim/gen/alloc columns, indexed by sim_id.
type History struct {
	mu sync.Mutex

	hInd int
	cap  int

	simID     []int
	given     []bool
	givenTime []float64
	returned  []bool
	simWorker []int
	genWorker []int

	cols    map[string]*column
	specs   Specs
	h0Count int
}

// maxGrowAttempts bounds how many times UpdateGenOutputs will call
// growLocked before treating further overflow as a fatal allocator bug.
const maxGrowAttempts = 64

// Initialize allocates capacity L+|H0| (L = sizeHint, or DefaultCapacity
// if <= 0), copies H0 into rows [0, |H0|) with given=returned=true, and
// fills the remaining reserved rows with sentinel values.
func Initialize(specs Specs, h0 []Row, sizeHint int) (*History, error) {
	if sizeHint <= 0 {
		sizeHint = DefaultCapacity
	}
	total := sizeHint + len(h0)

	h := &History{
		cap:     total,
		cols:    make(map[string]*column, len(specs.allFields())),
		specs:   specs,
		h0Count: len(h0),
	}

	h.simID = make([]int, total)
	h.given = make([]bool, total)
	h.givenTime = make([]float64, total)
	h.returned = make([]bool, total)
	h.simWorker = make([]int, total)
	h.genWorker = make([]int, total)

	for _, fs := range specs.allFields() {
		if _, dup := h.cols[fs.Name]; dup {
			return nil, fmt.Errorf("history: duplicate field %q", fs.Name)
		}
		h.cols[fs.Name] = newColumn(fs, total)
	}

	for i := 0; i < total; i++ {
		h.simID[i] = -1
		h.givenTime[i] = math.Inf(1)
	}

	for i, row := range h0 {
		h.simID[i] = i
		h.given[i] = true
		h.returned[i] = true
		h.givenTime[i] = 0
		for name, v := range row {
			col, ok := h.cols[name]
			if !ok {
				return nil, fmt.Errorf("history: H0 row %d sets undeclared field %q", i, name)
			}
			col.data[i] = v
		}
	}
	h.hInd = len(h0)

	return h, nil
}

// HInd returns the count of filled history rows.
func (h *History) HInd() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hInd
}

// Len returns total allocated capacity (filled + reserved).
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cap
}

// Grow appends k reserved rows (sim_id=-1, given_time=+Inf).
func (h *History) Grow(k int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.growLocked(k)
}

func (h *History) growLocked(k int) {
	if k <= 0 {
		return
	}
	for i := 0; i < k; i++ {
		h.simID = append(h.simID, -1)
		h.given = append(h.given, false)
		h.givenTime = append(h.givenTime, math.Inf(1))
		h.returned = append(h.returned, false)
		h.simWorker = append(h.simWorker, 0)
		h.genWorker = append(h.genWorker, 0)
	}
	for _, col := range h.cols {
		col.growBy(k)
	}
	h.cap += k
}

// UpdateGenOutputs writes a gen-produced batch. If b.SimIDs is set, rows
// naming a sim_id already < H_ind are in-place updates (generation
// outputs are written once, so callers must not target a returned row
// twice); otherwise rows are appended contiguously from H_ind. Capacity
// is grown first if the batch doesn't fit. Returns the row indices
// touched, in batch order.
func (h *History) UpdateGenOutputs(genWorker int, b Batch) ([]int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b.N == 0 {
		return nil, nil
	}

	rows := make([]int, b.N)
	newCount := 0
	if b.SimIDs != nil {
		if len(b.SimIDs) != b.N {
			return nil, fmt.Errorf("history: batch SimIDs length %d != N %d", len(b.SimIDs), b.N)
		}
		for i, id := range b.SimIDs {
			rows[i] = id
			if id >= h.hInd {
				newCount++
			}
		}
	} else {
		newCount = b.N
		for i := 0; i < b.N; i++ {
			rows[i] = h.hInd + i
		}
	}

	needed := 0
	for _, r := range rows {
		if r+1 > needed {
			needed = r + 1
		}
	}
	if remaining := h.cap - h.hInd; newCount > remaining || needed > h.cap {
		grow := needed - h.cap
		if newCount-remaining > grow {
			grow = newCount - remaining
		}
		attempts := 0
		for h.cap < needed || h.cap-h.hInd < newCount {
			if attempts >= maxGrowAttempts {
				return nil, fmt.Errorf("history: capacity overflow unrecoverable after %d grow attempts (allocator bug)", maxGrowAttempts)
			}
			h.growLocked(grow)
			attempts++
		}
	}

	for i, r := range rows {
		if r < 0 || r >= h.cap {
			return nil, fmt.Errorf("history: gen output row %d out of bounds (cap=%d)", r, h.cap)
		}
		h.simID[r] = r
		h.genWorker[r] = genWorker
		for name, vals := range b.Fields {
			col, ok := h.cols[name]
			if !ok {
				return nil, fmt.Errorf("history: gen output sets undeclared field %q", name)
			}
			col.data[r] = vals[i]
		}
	}

	if h.hInd+newCount > h.hInd {
		maxRow := h.hInd
		for _, r := range rows {
			if r+1 > maxRow {
				maxRow = r + 1
			}
		}
		if maxRow > h.hInd {
			h.hInd = maxRow
		}
	}

	return rows, nil
}

// UpdateSimHandout marks rows as dispatched to a sim worker: given=true,
// given_time=now, sim_worker=w.
func (h *History) UpdateSimHandout(rows []int, simWorker int, now time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range rows {
		if r < 0 || r >= h.hInd {
			return fmt.Errorf("history: handout row %d out of bounds (H_ind=%d)", r, h.hInd)
		}
		h.given[r] = true
		h.givenTime[r] = float64(now.UnixNano()) / 1e9
		h.simWorker[r] = simWorker
	}
	return nil
}

// UpdateSimResult writes a completed sim batch: for each row named,
// writes the fields present in b.Fields and sets returned=true. rows and
// b's per-field slices must be the same length and in the same order.
func (h *History) UpdateSimResult(rows []int, b Batch) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(rows) != b.N {
		return fmt.Errorf("history: sim result rows length %d != batch N %d", len(rows), b.N)
	}

	for i, r := range rows {
		if r < 0 || r >= h.hInd {
			return fmt.Errorf("history: sim result row %d out of bounds (H_ind=%d)", r, h.hInd)
		}
		if !h.given[r] {
			return fmt.Errorf("history: sim result for row %d which was never given", r)
		}
		for name, vals := range b.Fields {
			col, ok := h.cols[name]
			if !ok {
				return fmt.Errorf("history: sim result sets undeclared field %q", name)
			}
			col.data[r] = vals[i]
		}
		h.returned[r] = true
	}
	return nil
}

// Field returns the value of a user-declared field at row i.
func (h *History) Field(name string, i int) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	col, ok := h.cols[name]
	if !ok {
		return nil, fmt.Errorf("history: unknown field %q", name)
	}
	if i < 0 || i >= h.cap {
		return nil, fmt.Errorf("history: row %d out of bounds", i)
	}
	return col.data[i], nil
}

// SimID, Given, GivenTime, Returned, SimWorker, GenWorker expose the
// library-reserved columns at row i.
func (h *History) SimID(i int) int         { h.mu.Lock(); defer h.mu.Unlock(); return h.simID[i] }
func (h *History) Given(i int) bool        { h.mu.Lock(); defer h.mu.Unlock(); return h.given[i] }
func (h *History) GivenTime(i int) float64 { h.mu.Lock(); defer h.mu.Unlock(); return h.givenTime[i] }
func (h *History) Returned(i int) bool     { h.mu.Lock(); defer h.mu.Unlock(); return h.returned[i] }
func (h *History) SimWorker(i int) int     { h.mu.Lock(); defer h.mu.Unlock(); return h.simWorker[i] }
func (h *History) GenWorker(i int) int     { h.mu.Lock(); defer h.mu.Unlock(); return h.genWorker[i] }

// FieldNames returns the declared user field names in specs order.
func (h *History) FieldNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.cols))
	for _, fs := range h.specs.allFields() {
		if _, ok := h.cols[fs.Name]; ok {
			out = append(out, fs.Name)
		}
	}
	return out
}

// Specs returns the field declarations this History was initialized with.
func (h *History) Specs() Specs {
	return h.specs
}

// SumGiven returns the number of rows with given=true across all
// allocated rows (reserved rows are never given, so this equals the
// count across [0, H_ind)).
func (h *History) SumGiven() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for i := 0; i < h.hInd; i++ {
		if h.given[i] {
			n++
		}
	}
	return n
}

// SumReturned returns the number of rows with returned=true.
func (h *History) SumReturned() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for i := 0; i < h.hInd; i++ {
		if h.returned[i] {
			n++
		}
	}
	return n
}

// H0Count returns the number of rows copied in from the seed history.
func (h *History) H0Count() int {
	return h.h0Count
}

// Slice extracts a projection of the given rows and fields, suitable for
// shipping to a worker as part of a parcel. Only user-declared fields may
// be named; reserved columns are shipped via the caller's own libE_info.
func (h *History) Slice(rows []int, fields []string) (Batch, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := Batch{N: len(rows), Fields: make(map[string][]any, len(fields))}
	for _, name := range fields {
		col, ok := h.cols[name]
		if !ok {
			return Batch{}, fmt.Errorf("history: unknown field %q", name)
		}
		vals := make([]any, len(rows))
		for i, r := range rows {
			if r < 0 || r >= h.cap {
				return Batch{}, fmt.Errorf("history: row %d out of bounds", r)
			}
			vals[i] = col.data[r]
		}
		b.Fields[name] = vals
	}
	return b, nil
}

// Snapshot is a read-only view over a History, handed to callbacks (such
// as gen_specs.queue_update_function) that need to inspect progress
// without being able to mutate sim/gen columns themselves. It forwards
// to the same locked accessors as History but exposes no Update* method.
type Snapshot struct {
	h *History
}

// Snapshot returns a read-only view of h.
func (h *History) Snapshot() Snapshot {
	return Snapshot{h: h}
}

func (s Snapshot) HInd() int                  { return s.h.HInd() }
func (s Snapshot) Len() int                   { return s.h.Len() }
func (s Snapshot) Field(name string, i int) (any, error) {
	return s.h.Field(name, i)
}
func (s Snapshot) SimID(i int) int         { return s.h.SimID(i) }
func (s Snapshot) Given(i int) bool        { return s.h.Given(i) }
func (s Snapshot) GivenTime(i int) float64 { return s.h.GivenTime(i) }
func (s Snapshot) Returned(i int) bool     { return s.h.Returned(i) }
func (s Snapshot) SimWorker(i int) int     { return s.h.SimWorker(i) }
func (s Snapshot) GenWorker(i int) int     { return s.h.GenWorker(i) }
func (s Snapshot) FieldNames() []string    { return s.h.FieldNames() }
func (s Snapshot) Specs() Specs            { return s.h.Specs() }
func (s Snapshot) SumGiven() int           { return s.h.SumGiven() }
func (s Snapshot) SumReturned() int        { return s.h.SumReturned() }
func (s Snapshot) H0Count() int            { return s.h.H0Count() }
func (s Snapshot) Slice(rows []int, fields []string) (Batch, error) {
	return s.h.Slice(rows, fields)
}

// DefaultCapacity is used when no sim_max exit criterion is configured.
const DefaultCapacity = 100

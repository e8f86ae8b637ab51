package powerfc

import (
	"fmt"
	"math"
)

// WriteStep is the outcome of advancing the fuel map write state machine.
type WriteStep int

const (
	WriteIdle      WriteStep = iota // nothing to send
	WriteStarted                    // chunk 1 of a new sequence
	WriteContinued                  // next chunk of the running sequence
	WriteCommitted                  // limit reached, map committed
)

// FuelMap owns the ECU fuel table mirror, the locally computed candidate,
// the AFR accumulator and the write cursor.
type FuelMap struct {
	current   Grid
	candidate Grid
	sample    *Grid

	afrSum   Grid
	afrCount [TableSize][TableSize]int
	samples  int64

	loaded     uint8 // bit per chunk read
	cursor     int
	chunkLimit int
	writes     int

	// fixed when a sequence starts
	seqLimit int
	seqSrc   *Grid
}

// NewFuelMap creates an empty store. chunkLimit bounds how many of the
// eight chunks a write sequence transmits; out of range values mean 8.
func NewFuelMap(chunkLimit int) *FuelMap {
	m := &FuelMap{}
	m.SetChunkLimit(chunkLimit)
	return m
}

// SetChunkLimit changes the number of chunks written per sequence.
func (m *FuelMap) SetChunkLimit(n int) {
	if n < 1 || n > FuelMapChunks {
		n = FuelMapChunks
	}
	m.chunkLimit = n
}

// ChunkLimit returns the configured write chunk limit. A new limit takes
// effect with the next sequence.
func (m *FuelMap) ChunkLimit() int { return m.chunkLimit }

// SequenceLimit returns the chunk count of the sequence in flight, 0 when idle.
func (m *FuelMap) SequenceLimit() int {
	if m.cursor == 0 {
		return 0
	}
	return m.seqLimit
}

// ApplyReadChunk decodes a fuel map response into both grids.
func (m *FuelMap) ApplyReadChunk(chunk int, frame []byte) error {
	values, err := DecodeFuelMapReadChunk(chunk, frame)
	if err != nil {
		return err
	}
	for i, c := range ChunkCells(chunk) {
		m.current[c.Row][c.Col] = values[i]
		m.candidate[c.Row][c.Col] = values[i]
	}
	m.loaded |= 1 << (chunk - 1)
	return nil
}

// Loaded reports whether all eight chunks have been read.
func (m *FuelMap) Loaded() bool { return m.loaded == 0xFF }

// ResetLoaded forgets which chunks were read; the map is re-read after a reconnect.
func (m *FuelMap) ResetLoaded() { m.loaded = 0 }

func checkIndex(row, col int) error {
	if row < 0 || row >= TableSize || col < 0 || col >= TableSize {
		return fmt.Errorf("%w: row %d col %d", ErrOutOfRange, row, col)
	}
	return nil
}

// AddSample folds one AFR reading into the cell addressed by the rpm and
// load indices.
func (m *FuelMap) AddSample(rpmIdx, loadIdx int, afr float64) error {
	if err := checkIndex(loadIdx, rpmIdx); err != nil {
		return err
	}
	m.samples++
	m.afrSum[loadIdx][rpmIdx] += afr
	m.afrCount[loadIdx][rpmIdx]++
	return nil
}

// Samples returns the total number of AFR samples folded in so far.
func (m *FuelMap) Samples() int64 { return m.samples }

// Average returns the mean AFR and sample count of a cell.
func (m *FuelMap) Average(row, col int) (float64, int) {
	n := m.afrCount[row][col]
	if n == 0 {
		return 0, 0
	}
	return m.afrSum[row][col] / float64(n), n
}

func (m *FuelMap) Current(row, col int) float64   { return m.current[row][col] }
func (m *FuelMap) Candidate(row, col int) float64 { return m.candidate[row][col] }

func (m *FuelMap) setCandidate(row, col int, v float64) { m.candidate[row][col] = v }

// QueueSampleWrite makes the next write sequence transmit g instead of the candidate.
func (m *FuelMap) QueueSampleWrite(g Grid) {
	m.sample = &g
}

// SampleWritePending reports whether a sample map is waiting to be written.
func (m *FuelMap) SampleWritePending() bool { return m.sample != nil }

// Cursor returns the chunk in flight, 0 when idle.
func (m *FuelMap) Cursor() int { return m.cursor }

// Writing reports whether a write sequence is in flight.
func (m *FuelMap) Writing() bool { return m.cursor != 0 }

// Writes returns how many write sequences have been started.
func (m *FuelMap) Writes() int { return m.writes }

// NextWrite advances the write cursor after a completed exchange. start is
// only consulted while idle. On WriteStarted and WriteContinued the cursor
// names the chunk to transmit next; committed returns the number of cells
// copied into the current map.
//
// The source grid and chunk count are fixed when a sequence starts. A
// sample map is always written in full.
func (m *FuelMap) NextWrite(start func() bool) (step WriteStep, committed int) {
	switch {
	case m.cursor == 0:
		if !start() {
			return WriteIdle, 0
		}
		m.cursor = 1
		m.writes++
		m.seqLimit, m.seqSrc = m.chunkLimit, &m.candidate
		if m.sample != nil {
			m.seqLimit, m.seqSrc = FuelMapChunks, m.sample
		}
		return WriteStarted, 0
	case m.cursor >= m.seqLimit:
		n := m.commit(m.seqLimit)
		if m.seqSrc == m.sample {
			m.sample = nil
		}
		m.endWrite()
		return WriteCommitted, n
	default:
		m.cursor++
		return WriteContinued, 0
	}
}

// StopWrite ends a sequence early, once the chunk under the cursor has been
// acknowledged. The chunks sent so far are committed and the rest are not
// sent. A sample map stays queued.
func (m *FuelMap) StopWrite() int {
	if m.cursor == 0 {
		return 0
	}
	n := m.commit(m.cursor)
	m.endWrite()
	return n
}

// AbortWrite drops an unfinished write sequence without committing it. A
// queued sample map stays queued.
func (m *FuelMap) AbortWrite() { m.endWrite() }

func (m *FuelMap) endWrite() {
	m.cursor = 0
	m.seqLimit, m.seqSrc = 0, nil
}

// WriteFrame encodes the chunk currently under the cursor.
func (m *FuelMap) WriteFrame() ([]byte, error) {
	src := m.seqSrc
	if src == nil {
		src = &m.candidate
	}
	return EncodeFuelMapWriteChunk(m.cursor, src)
}

// commit adopts the cells of chunks 1..upTo that differ from the current
// map and clears their AFR samples. Unchanged cells keep their accumulation.
func (m *FuelMap) commit(upTo int) int {
	changed := 0
	for chunk := 1; chunk <= upTo; chunk++ {
		for _, c := range ChunkCells(chunk) {
			if m.seqSrc != &m.candidate {
				m.candidate[c.Row][c.Col] = m.seqSrc[c.Row][c.Col]
			}
			if m.candidate[c.Row][c.Col] == m.current[c.Row][c.Col] {
				continue
			}
			m.current[c.Row][c.Col] = m.candidate[c.Row][c.Col]
			m.afrSum[c.Row][c.Col] = 0
			m.afrCount[c.Row][c.Col] = 0
			changed++
		}
	}
	return changed
}

// MapSnapshot is a copy of the store for reporting.
type MapSnapshot struct {
	Current   Grid                      `json:"current"`
	Candidate Grid                      `json:"candidate"`
	Counts    [TableSize][TableSize]int `json:"counts"`
	Samples   int64                     `json:"samples"`
	Loaded    bool                      `json:"loaded"`
	Cursor    int                       `json:"cursor"`
	Writes    int                       `json:"writes"`
}

// Snapshot copies the grids and counters.
func (m *FuelMap) Snapshot() MapSnapshot {
	return MapSnapshot{
		Current:   m.current,
		Candidate: m.candidate,
		Counts:    m.afrCount,
		Samples:   m.samples,
		Loaded:    m.Loaded(),
		Cursor:    m.cursor,
		Writes:    m.writes,
	}
}

// SampleFuelMap returns a conservative base map: 1.0 ms at idle, about 10%
// more per rpm column and 5% more per load row.
func SampleFuelMap() Grid {
	var g Grid
	for row := range g {
		for col := range g[row] {
			v := math.Pow(1.1, float64(col)) * math.Pow(1.049, float64(row))
			g[row][col] = math.Round(v*10) / 10
		}
	}
	return g
}

package ecu

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/powerfc-dash/internal/powerfc"
)

// DemoConfig tunes the simulated Power FC.
type DemoConfig struct {
	Platform  string        `yaml:"platform" json:"platform"`   // 8 chars, padded
	Datalogit string        `yaml:"datalogit" json:"datalogit"` // e.g. "V2.00", "V1.00" for white
	Latency   time.Duration `yaml:"latency" json:"latency"`
	Noise     bool          `yaml:"noise" json:"noise"` // leading garbage and split frames
	Seed      int64         `yaml:"seed" json:"seed"`
}

// ErrDemoClosed is returned by Read and Write when the demo link is closed.
var ErrDemoClosed = errors.New("ecu: demo link closed")

type demoStream struct {
	data    chan []byte
	closed  chan struct{}
	pending []byte
}

// Demo is a powerfc.Transport that answers every request the way a warm
// idling engine would. Its fuel table is writable and the AFR it reports
// follows how far each cell is from a hidden ideal table, so autotune
// converges against it.
type Demo struct {
	cfg DemoConfig

	mu     sync.Mutex
	rng    *rand.Rand
	stream *demoStream
	family powerfc.Family
	fuel   powerfc.Grid
	ideal  powerfc.Grid
	writes int
	t      float64 // virtual time accumulator
	rpm    float64
	tpsV   float64
	water  float64
}

// NewDemo creates a simulated ECU whose table starts 8% lean of ideal.
func NewDemo(cfg DemoConfig) *Demo {
	if len(cfg.Platform) != 8 {
		cfg.Platform = "13B-REW "
	}
	if cfg.Datalogit == "" {
		cfg.Datalogit = "V2.00"
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	d := &Demo{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		ideal: powerfc.SampleFuelMap(),
		rpm:   850,
		tpsV:  0.45,
		water: 70,
	}
	d.family, _ = powerfc.DefaultPlatforms().Family(cfg.Platform)
	for row := range d.fuel {
		for col := range d.fuel[row] {
			d.fuel[row][col] = math.Round(d.ideal[row][col]/1.08/0.004) * 0.004
		}
	}
	return d
}

// Open starts a new stream; data from a previous stream is discarded.
func (d *Demo) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		close(d.stream.closed)
	}
	d.stream = &demoStream{data: make(chan []byte, 16), closed: make(chan struct{})}
	return nil
}

func (d *Demo) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		close(d.stream.closed)
		d.stream = nil
	}
	return nil
}

func (d *Demo) current() *demoStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

// Read blocks until a response is available or the stream is closed.
func (d *Demo) Read(p []byte) (int, error) {
	s := d.current()
	if s == nil {
		return 0, ErrDemoClosed
	}
	if len(s.pending) == 0 {
		select {
		case b := <-s.data:
			s.pending = b
		case <-s.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Write takes one request and queues the response after the configured latency.
func (d *Demo) Write(p []byte) (int, error) {
	s := d.current()
	if s == nil {
		return 0, ErrDemoClosed
	}
	resp := d.Respond(p)
	if resp == nil {
		return len(p), nil
	}
	pieces := d.split(resp)
	time.AfterFunc(d.cfg.Latency, func() {
		for _, piece := range pieces {
			select {
			case s.data <- piece:
			case <-s.closed:
				return
			}
		}
	})
	return len(p), nil
}

// split optionally prefixes garbage and cuts the response in two.
func (d *Demo) split(resp []byte) [][]byte {
	if !d.cfg.Noise {
		return [][]byte{resp}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var garbage []byte
	for i := d.rng.Intn(3); i > 0; i-- {
		b := byte(d.rng.Intn(256))
		if b == resp[0] {
			b ^= 0x55
		}
		garbage = append(garbage, b)
	}
	cut := 1 + d.rng.Intn(len(resp)-1)
	first := append(garbage, resp[:cut]...)
	return [][]byte{first, resp[cut:]}
}

// Respond returns the frame a Power FC sends for req, or nil for requests
// it does not answer.
func (d *Demo) Respond(req []byte) []byte {
	if len(req) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	id := req[0]
	if id >= 0xB0 && id <= 0xB7 {
		chunk := int(id-0xB0) + 1
		if len(req) == 103 {
			return d.applyWrite(chunk, req)
		}
		frame, _ := powerfc.EncodeFuelMapWriteChunk(chunk, &d.fuel)
		return frame
	}

	switch {
	case id == 0xF3:
		return demoFrame(0xF3, []byte(d.cfg.Platform))
	case id == 0x01 && len(req) == 3:
		return demoFrame(0x01, []byte(d.cfg.Datalogit))
	case id == 0xF5:
		return demoFrame(0xF5, []byte("4.11 "))
	case id == 0xDD:
		return demoFrame(0xDD, demoLabels())
	case id == 0xF0:
		d.step()
		return demoFrame(0xF0, d.advanced())
	case id == 0xDB:
		n, p := d.cellIndex()
		return demoFrame(0xDB, []byte{byte(n), byte(p)})
	case id == 0xDE:
		return demoFrame(0xDE, d.sensors())
	case id == 0xDA:
		return demoFrame(0xDA, d.basic())
	case id == 0x01:
		return demoFrame(0x01, d.auxBlack())
	case id == 0x00:
		return demoFrame(0x00, d.auxWhite())
	}
	return nil
}

// FuelMap returns a copy of the simulated ECU fuel table.
func (d *Demo) FuelMap() powerfc.Grid {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fuel
}

// Writes returns how many fuel map chunks were written.
func (d *Demo) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

func (d *Demo) applyWrite(chunk int, req []byte) []byte {
	values, err := powerfc.DecodeFuelMapReadChunk(chunk, req)
	if err != nil {
		return nil
	}
	for i, c := range powerfc.ChunkCells(chunk) {
		d.fuel[c.Row][c.Col] = values[i]
	}
	d.writes++
	return []byte{0xF2, 0x02, 0x0B}
}

// step advances the simulation by one live data cycle.
func (d *Demo) step() {
	d.t += 0.05
	d.rpm = 850 + 180*math.Sin(d.t*0.7) + d.rng.Float64()*20
	d.tpsV = 0.45 + 0.02*math.Sin(d.t*0.3)
	if d.water < 85 {
		d.water += 0.05
	}
}

func (d *Demo) cellIndex() (rpmIdx, loadIdx int) {
	rpmIdx = int((d.rpm - 600) / 100)
	loadIdx = int(d.tpsV*20) - 6
	return clampIdx(rpmIdx), clampIdx(loadIdx)
}

func clampIdx(i int) int {
	return max(0, min(i, powerfc.TableSize-1))
}

// afr is stoich scaled by how far the active cell is from ideal.
func (d *Demo) afr() float64 {
	n, p := d.cellIndex()
	cur := d.fuel[p][n]
	if cur <= 0 {
		return 20
	}
	return 14.7*d.ideal[p][n]/cur + (d.rng.Float64()-0.5)*0.1
}

func put16(b []byte, off int, v float64) {
	binary.LittleEndian.PutUint16(b[off:], uint16(math.Max(0, math.Min(v, math.MaxUint16))))
}

// advanced lays out the advanced data payload of the platform's family.
// Offsets are payload offsets, frame offset minus two.
func (d *Demo) advanced() []byte {
	p := make([]byte, 30)
	switch d.family {
	case powerfc.FamilyNissan:
		put16(p, 0, d.rpm)
		put16(p, 8, 2.5/0.004)
		put16(p, 13, 460) // -300 mmHg
		p[17] = byte(d.water + 80)
		p[18] = 105
		p[20] = 140
		put16(p, 27, d.tpsV*1000)
	case powerfc.FamilyToyota:
		put16(p, 0, d.rpm)
		put16(p, 6, d.tpsV*1000)
		put16(p, 14, 460)
		p[18] = byte(d.water + 80)
		p[19] = 105
		p[21] = 140
	default:
		put16(p, 0, d.rpm)
		put16(p, 2, 300)
		put16(p, 6, d.tpsV*1000)
		p[12] = 40
		p[13] = 35
		p[18] = byte(d.water + 80)
		p[19] = 105
		p[21] = 140
	}
	return p
}

func (d *Demo) basic() []byte {
	p := make([]byte, 20)
	put16(p, 0, 215)
	put16(p, 2, 40)
	put16(p, 4, 35)
	put16(p, 6, d.rpm)
	put16(p, 10, 460)
	put16(p, 14, d.water+80)
	put16(p, 16, 105)
	put16(p, 18, 140)
	return p
}

func (d *Demo) sensors() []byte {
	p := make([]byte, 18)
	put16(p, 0, 250)
	put16(p, 2, d.tpsV*100)
	put16(p, 16, 0x0001)
	return p
}

// auxBlack reports the wideband on AN3-4 as 0-5 V for 10-20 AFR.
func (d *Demo) auxBlack() []byte {
	p := make([]byte, 16)
	volts := (d.afr() - 10) / 2
	put16(p, 4, volts*205)
	put16(p, 8, 2.5*205)
	return p
}

func (d *Demo) auxWhite() []byte {
	volts := (d.afr() - 10) / 2
	return []byte{0, 0, byte(math.Round(volts * 255 / 5)), 0}
}

func demoLabels() []byte {
	p := make([]byte, 80)
	copy(p, "PIM VTA1VTA2VMOPWTRTAIRTFUELO2S ")
	copy(p[32:], "STRA/CAC PWSNTRCLTSTPCATELDHWLFPDFPRAPRPACCCCCVCCTCCPC ")
	return p
}

func demoFrame(id byte, payload []byte) []byte {
	f := append([]byte{id, byte(len(payload) + 2)}, payload...)
	return append(f, powerfc.Checksum(f))
}

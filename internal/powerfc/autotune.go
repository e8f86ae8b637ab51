package powerfc

import (
	"math"
	"time"
)

// TuneConfig holds the closed loop thresholds.
type TuneConfig struct {
	ClosedLoop bool `yaml:"closed_loop" json:"closedLoop"`

	TargetAFR     float64 `yaml:"target_afr" json:"targetAfr"`            // AFR every cell is tuned towards
	MinAFRDelta   float64 `yaml:"min_afr_delta" json:"minAfrDelta"`       // deltas below this are close enough
	MaxStep       float64 `yaml:"max_step" json:"maxStep"`                // max fractional change of a cell per write
	MinCellSample int     `yaml:"min_cell_samples" json:"minCellSamples"` // samples a cell needs before it is recomputed
	WriteInterval int64   `yaml:"write_interval" json:"writeInterval"`    // attempt a write every this many samples
	MinChanged    int     `yaml:"min_changed" json:"minChanged"`          // changed cells needed to start a write

	// Sample gating
	MinAFR       float64 `yaml:"min_afr" json:"minAfr"`
	MaxAFR       float64 `yaml:"max_afr" json:"maxAfr"`
	MinCoolant   float64 `yaml:"min_coolant" json:"minCoolant"`      // °C
	MinRPM       float64 `yaml:"min_rpm" json:"minRpm"`
	MaxRPM       float64 `yaml:"max_rpm" json:"maxRpm"`
	MinTPSRate   float64 `yaml:"min_tps_rate" json:"minTpsRate"`     // V/s
	MaxTPSRate   float64 `yaml:"max_tps_rate" json:"maxTpsRate"`     // V/s
	MaxTPSVolt   float64 `yaml:"max_tps_volt" json:"maxTpsVolt"`     // near wide open throttle
	MaxSpeed     float64 `yaml:"max_speed" json:"maxSpeed"`          // km/h
	WriteChunks  int     `yaml:"write_chunks" json:"writeChunks"`    // chunks transmitted per write, 1..8
	AFRAuxSource int     `yaml:"afr_aux_source" json:"afrAuxSource"` // aux channel (0-based) wired to the wideband
}

// DefaultTuneConfig returns the thresholds used for idle tuning of a warm,
// stationary engine with a wideband on AN3-4.
func DefaultTuneConfig() TuneConfig {
	return TuneConfig{
		ClosedLoop:    false,
		TargetAFR:     14.7,
		MinAFRDelta:   0.15,
		MaxStep:       0.1,
		MinCellSample: 10,
		WriteInterval: 100,
		MinChanged:    5,
		MinAFR:        9.8,
		MaxAFR:        19.8,
		MinCoolant:    65,
		MinRPM:        500,
		MaxRPM:        1100,
		MinTPSRate:    -4,
		MaxTPSRate:    4,
		MaxTPSVolt:    0.6,
		MaxSpeed:      2,
		WriteChunks:   1,
		AFRAuxSource:  1,
	}
}

// Gate names the condition that suppressed an AFR sample.
type Gate int

const (
	GateNone Gate = iota
	GateClosedLoopOff
	GateAFRRange
	GateColdEngine
	GateRPMRange
	GateThrottleTransient
	GateWOT
	GateMoving
	GateOutOfRange
)

var gateNames = map[Gate]string{
	GateNone:              "active",
	GateClosedLoopOff:     "closed loop disabled",
	GateAFRRange:          "afr out of bounds",
	GateColdEngine:        "engine not warmed up",
	GateRPMRange:          "rpm too low or too high",
	GateThrottleTransient: "accel enrich or decel cut",
	GateWOT:               "wot",
	GateMoving:            "moving",
	GateOutOfRange:        "map index out of range",
}

func (g Gate) String() string { return gateNames[g] }

// EngineState is the subset of telemetry the sample gating looks at.
type EngineState struct {
	CoolantC  float64
	RPM       float64
	ThrottleV float64
	SpeedKph  float64
	At        time.Time
}

// Decision is the result of one Evaluate pass.
type Decision struct {
	Folded  bool    `json:"folded"`
	Gate    Gate    `json:"gate"`
	Reason  string  `json:"reason"`
	TPSRate float64 `json:"tpsRate"`
}

// Autotune decides when samples are folded into the accumulator and when
// the candidate map is worth writing.
type Autotune struct {
	cfg   TuneConfig
	store *FuelMap

	lastTPS   float64
	lastTime  time.Time
	seen      bool
	attempted int64 // sample count of the last write attempt
}

// NewAutotune binds a controller to a fuel map store.
func NewAutotune(cfg TuneConfig, store *FuelMap) *Autotune {
	store.SetChunkLimit(cfg.WriteChunks)
	return &Autotune{cfg: cfg, store: store}
}

// Config returns the active thresholds.
func (a *Autotune) Config() TuneConfig { return a.cfg }

// SetConfig replaces the thresholds; the throttle history is kept.
func (a *Autotune) SetConfig(cfg TuneConfig) {
	a.cfg = cfg
	a.store.SetChunkLimit(cfg.WriteChunks)
}

// SetClosedLoop toggles the master switch.
func (a *Autotune) SetClosedLoop(on bool) { a.cfg.ClosedLoop = on }

// tpsRate returns the throttle voltage slope since the previous pass.
// The first pass, or a pass without elapsed time, reports 0.
func (a *Autotune) tpsRate(st EngineState) float64 {
	rate := 0.0
	if a.seen {
		if dt := st.At.Sub(a.lastTime).Seconds(); dt > 0 {
			rate = (st.ThrottleV - a.lastTPS) / dt
		}
	}
	a.lastTPS = st.ThrottleV
	a.lastTime = st.At
	a.seen = true
	return rate
}

func (a *Autotune) gate(afr, rate float64, st EngineState) Gate {
	c := a.cfg
	switch {
	case !c.ClosedLoop:
		return GateClosedLoopOff
	case afr < c.MinAFR || afr > c.MaxAFR:
		return GateAFRRange
	case st.CoolantC < c.MinCoolant:
		return GateColdEngine
	case st.RPM < c.MinRPM || st.RPM > c.MaxRPM:
		return GateRPMRange
	case rate > c.MaxTPSRate || rate < c.MinTPSRate:
		return GateThrottleTransient
	case st.ThrottleV > c.MaxTPSVolt:
		return GateWOT
	case st.SpeedKph > c.MaxSpeed:
		return GateMoving
	}
	return GateNone
}

// Evaluate runs once per live data cycle and folds afr into the cell at
// (loadIdx, rpmIdx) when every gate passes.
func (a *Autotune) Evaluate(rpmIdx, loadIdx int, afr float64, st EngineState) (Decision, error) {
	rate := a.tpsRate(st)
	g := a.gate(afr, rate, st)
	d := Decision{Gate: g, TPSRate: rate}
	if g == GateNone {
		if err := a.store.AddSample(rpmIdx, loadIdx, afr); err != nil {
			d.Gate = GateOutOfRange
			d.Reason = d.Gate.String()
			return d, err
		}
		d.Folded = true
	}
	d.Reason = d.Gate.String()
	return d, nil
}

// RecomputeCandidate proposes new values for cells with enough samples and
// returns how many cells changed.
func (a *Autotune) RecomputeCandidate() int {
	c := a.cfg
	if c.TargetAFR <= 0 {
		return 0
	}
	changed := 0
	for row := 0; row < TableSize; row++ {
		for col := 0; col < TableSize; col++ {
			avg, n := a.store.Average(row, col)
			if n < c.MinCellSample || n == 0 {
				continue
			}
			if math.Abs(avg-c.TargetAFR) < c.MinAFRDelta {
				continue
			}
			cur := a.store.Current(row, col)
			next := avg / c.TargetAFR * cur
			if cur != 0 && math.Abs(next-cur)/cur > c.MaxStep {
				step := c.MaxStep * cur
				if next < cur {
					step = -step
				}
				next = cur + step
			}
			if next == cur {
				continue
			}
			a.store.setCandidate(row, col, next)
			changed++
		}
	}
	return changed
}

// ShouldStartWrite reports whether a new write sequence should begin. A
// write is attempted at most once per sample count.
func (a *Autotune) ShouldStartWrite() bool {
	if a.store.Writing() {
		return false
	}
	if a.store.SampleWritePending() {
		return true
	}
	n := a.store.Samples()
	if n == 0 || n == a.attempted {
		return false
	}
	if a.cfg.WriteInterval > 0 && n%a.cfg.WriteInterval != 0 {
		return false
	}
	a.attempted = n
	return a.RecomputeCandidate() >= a.cfg.MinChanged
}

// WriteAllowed reports whether map writes may be sent in the current
// engine state. The throttle must be below the near-WOT threshold, and
// either closed loop is on or a sample map is queued.
func (a *Autotune) WriteAllowed(throttleV float64) bool {
	if throttleV >= a.cfg.MaxTPSVolt {
		return false
	}
	return a.cfg.ClosedLoop || a.store.SampleWritePending()
}

package powerfc

const (
	// AuxChannels is the number of differential aux inputs (AN1-2 .. AN7-8).
	AuxChannels = 4

	maxAuxVolt      = 5.0
	auxBlackVoltRaw = 1.0 / 205.0 // black Datalogit, u16 per input
	auxWhiteVoltRaw = 5.0 / 255.0 // white Datalogit, u8 per input
	auxAverageLen   = 10
)

// AuxCalibration maps one differential aux input to physical units.
type AuxCalibration struct {
	Name   string  `yaml:"name" json:"name"`
	Unit   string  `yaml:"unit" json:"unit"`
	AtZero float64 `yaml:"at_zero" json:"atZero"` // value at 0 V
	AtMax  float64 `yaml:"at_max" json:"atMax"`   // value at 5 V
	Smooth bool    `yaml:"smooth" json:"smooth"`  // rolling average for noisy sensors
}

// Convert interpolates between the two endpoints for the voltage
// difference of the channel's input pair.
func (c AuxCalibration) Convert(pos, neg float64) float64 {
	return (c.AtMax-c.AtZero)/maxAuxVolt*(pos-neg) + c.AtZero
}

// rollingAverage is a fixed window mean that only reports once full.
type rollingAverage struct {
	values [auxAverageLen]float64
	next   int
	full   bool
}

func (r *rollingAverage) add(v float64) (float64, bool) {
	r.values[r.next] = v
	r.next = (r.next + 1) % auxAverageLen
	if r.next == 0 {
		r.full = true
	}
	if !r.full {
		return 0, false
	}
	sum := 0.0
	for _, x := range r.values {
		sum += x
	}
	return sum / auxAverageLen, true
}

// AuxCalibrator turns raw aux frames into calibrated channel values.
type AuxCalibrator struct {
	cal [AuxChannels]AuxCalibration
	avg [AuxChannels]rollingAverage
}

// NewAuxCalibrator creates a calibrator for up to four channels.
func NewAuxCalibrator(cal []AuxCalibration) *AuxCalibrator {
	a := &AuxCalibrator{}
	a.SetCalibration(cal)
	return a
}

// SetCalibration replaces the endpoints; smoothing history is reset.
func (a *AuxCalibrator) SetCalibration(cal []AuxCalibration) {
	a.cal = [AuxChannels]AuxCalibration{}
	copy(a.cal[:], cal)
	a.avg = [AuxChannels]rollingAverage{}
}

// Calibration returns the configured endpoints.
func (a *AuxCalibrator) Calibration() []AuxCalibration {
	out := make([]AuxCalibration, AuxChannels)
	copy(out, a.cal[:])
	return out
}

// AuxReading is one calibrated channel value. Valid is false while a
// smoothed channel is still filling its window.
type AuxReading struct {
	Value float64 `json:"value"`
	Volts float64 `json:"volts"`
	Valid bool    `json:"valid"`
}

// Apply converts input voltages, given as consecutive pairs, into readings.
// Channels without a voltage pair are left invalid.
func (a *AuxCalibrator) Apply(volts []float64) [AuxChannels]AuxReading {
	var out [AuxChannels]AuxReading
	for ch := 0; ch < AuxChannels && ch*2+1 < len(volts); ch++ {
		pos, neg := volts[ch*2], volts[ch*2+1]
		v := a.cal[ch].Convert(pos, neg)
		r := AuxReading{Value: v, Volts: pos - neg, Valid: true}
		if a.cal[ch].Smooth {
			r.Value, r.Valid = a.avg[ch].add(v)
		}
		out[ch] = r
	}
	return out
}

package powerfc

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Telemetry is the decoded channel snapshot of one live data cycle.
// Channels a family does not report stay zero.
type Telemetry struct {
	Platform         string `json:"platform"`
	PlatformVersion  string `json:"platformVersion"`
	DatalogitVersion string `json:"datalogitVersion"`
	Family           Family `json:"family"`

	RPM          float64 `json:"rpm"`
	EngineLoad   float64 `json:"engineLoad"`
	IntakePress  float64 `json:"intakePress"`
	PressureV    float64 `json:"pressureV"`
	ThrottleV    float64 `json:"throttleV"`
	ThrottleV2   float64 `json:"throttleV2"`
	MAF1V        float64 `json:"maf1V"`
	MAF2V        float64 `json:"maf2V"`
	MAFActivity  float64 `json:"mafActivity"`
	PrimaryInj   float64 `json:"primaryInj"`
	SecondaryInj float64 `json:"secondaryInj"`
	InjMs        float64 `json:"injMs"`
	InjDuty      float64 `json:"injDuty"`
	FuelCorr     float64 `json:"fuelCorr"`
	LeadingIgn   float64 `json:"leadingIgn"`
	TrailingIgn  float64 `json:"trailingIgn"`
	Dwell        float64 `json:"dwell"`
	Boost        float64 `json:"boost"`
	BoostDuty    float64 `json:"boostDuty"`
	BoostTP      float64 `json:"boostTP"`
	BoostWG      float64 `json:"boostWG"`
	FuelTemp     float64 `json:"fuelTemp"`
	OilPress     float64 `json:"oilPress"`
	WaterTemp    float64 `json:"waterTemp"`
	IntakeTemp   float64 `json:"intakeTemp"`
	SuctionTemp  float64 `json:"suctionTemp"`
	Knock        float64 `json:"knock"`
	BatteryV     float64 `json:"batteryV"`
	Speed        float64 `json:"speed"`
	ISCVDuty     float64 `json:"iscvDuty"`
	O2V          float64 `json:"o2V"`
	O2V2         float64 `json:"o2V2"`

	Sensors      [8]float64 `json:"sensors"`
	SensorLabels [8]string  `json:"sensorLabels"`
	Flags        [16]bool   `json:"flags"`
	FlagLabels   [16]string `json:"flagLabels"`

	MapN int `json:"mapN"` // rpm index, fuel table column
	MapP int `json:"mapP"` // load index, fuel table row

	Aux [AuxChannels]AuxReading `json:"aux"`
	AFR float64                 `json:"afr"`
}

func u16(frame []byte, off int) float64 {
	return float64(binary.LittleEndian.Uint16(frame[off:]))
}

func u8(frame []byte, off int) float64 { return float64(frame[off]) }

// checkFrame validates id, total size and checksum of a response.
func checkFrame(frame []byte, id byte, size int) error {
	if len(frame) != size {
		return fmt.Errorf("%w: frame 0x%02X is %d bytes, want %d",
			ErrProtocolMismatch, id, len(frame), size)
	}
	if frame[0] != id {
		return mismatch("id", int(id), int(frame[0]))
	}
	return VerifyFrame(frame)
}

// boostPressure decodes the shared boost encoding: a high byte of 0x80
// flags positive pressure in hundredths, anything else is mmHg offset by 760.
func boostPressure(frame []byte, off int) float64 {
	if frame[off+1] == 0x80 {
		return u8(frame, off) * 0.01
	}
	return u16(frame, off) - 760
}

// advancedDecoder decodes the family specific layout of the advanced data frame.
type advancedDecoder interface {
	decodeAdvanced(frame []byte, t *Telemetry)
}

type (
	mazdaAdvanced  struct{}
	nissanAdvanced struct{}
	toyotaAdvanced struct{}
)

var advancedDecoders = map[Family]advancedDecoder{
	FamilyMazda:  mazdaAdvanced{},
	FamilyNissan: nissanAdvanced{},
	FamilyToyota: toyotaAdvanced{},
}

func (mazdaAdvanced) decodeAdvanced(f []byte, t *Telemetry) {
	t.RPM = u16(f, 2)
	t.IntakePress = u16(f, 4)
	t.PressureV = u16(f, 6) * 0.001
	t.ThrottleV = u16(f, 8) * 0.001
	t.PrimaryInj = u16(f, 10) * 0.001
	t.FuelCorr = u16(f, 12)
	t.LeadingIgn = u8(f, 14) - 25
	t.TrailingIgn = u8(f, 15) - 25
	t.FuelTemp = u8(f, 16)
	t.OilPress = u8(f, 17)
	t.BoostTP = u8(f, 18) / 2.56
	t.BoostWG = u8(f, 19) / 2.56
	t.WaterTemp = u8(f, 20) - 80
	t.IntakeTemp = u8(f, 21) - 80
	t.Knock = u8(f, 22)
	t.BatteryV = u8(f, 23) * 0.1
	t.Speed = u16(f, 24)
	t.ISCVDuty = u16(f, 26) * 0.001
	t.O2V = u8(f, 28)
	t.SecondaryInj = u16(f, 30) * 0.001
}

func (nissanAdvanced) decodeAdvanced(f []byte, t *Telemetry) {
	t.RPM = u16(f, 2)
	t.EngineLoad = u16(f, 4)
	t.MAF1V = u16(f, 6) * 0.001
	t.MAF2V = u16(f, 8) * 0.001
	t.InjMs = u16(f, 10) * 0.004
	t.InjDuty = u8(f, 12)
	t.LeadingIgn = u8(f, 13)
	t.Dwell = u8(f, 14)
	if raw := u16(f, 15); raw >= 0x8000 {
		t.Boost = (raw - 0x8000) * 0.01
	} else {
		t.Boost = raw - 760
	}
	t.BoostDuty = u16(f, 17) * 0.005
	t.WaterTemp = u8(f, 19) - 80
	t.IntakeTemp = u8(f, 20) - 80
	t.Knock = u8(f, 21)
	t.BatteryV = u8(f, 22) * 0.1
	t.Speed = u16(f, 23)
	t.MAFActivity = u16(f, 25) * 0.16
	t.O2V = u8(f, 27) * 0.005
	t.O2V2 = u8(f, 28) * 0.005
	t.ThrottleV = u16(f, 29) * 0.001
}

func (toyotaAdvanced) decodeAdvanced(f []byte, t *Telemetry) {
	t.RPM = u16(f, 2)
	t.IntakePress = u16(f, 4)
	t.PressureV = u16(f, 6) * 0.001
	t.ThrottleV = u16(f, 8) * 0.001
	t.PrimaryInj = u16(f, 10)
	t.FuelCorr = u16(f, 12)
	t.LeadingIgn = u8(f, 14)
	t.Dwell = u8(f, 15)
	t.Boost = boostPressure(f, 16)
	t.BoostDuty = u16(f, 18)
	t.WaterTemp = u8(f, 20) - 80
	t.IntakeTemp = u8(f, 21) - 80
	t.Knock = u8(f, 22)
	t.BatteryV = u8(f, 23) * 0.1
	t.Speed = u16(f, 24)
	t.ISCVDuty = u16(f, 26) * 0.001
	t.O2V = u8(f, 28)
	t.SuctionTemp = u8(f, 29)
	t.ThrottleV2 = u16(f, 30) * 0.001
}

// HasAdvancedLayout reports whether the advanced data frame of t.Family
// can be decoded.
func (t *Telemetry) HasAdvancedLayout() bool {
	_, ok := advancedDecoders[t.Family]
	return ok
}

// DecodeAdvanced decodes the advanced data frame with the layout of t.Family.
func (t *Telemetry) DecodeAdvanced(frame []byte) error {
	if err := checkFrame(frame, idAdvanced, Requests[FirstLiveDataIdx].ResponseSize); err != nil {
		return err
	}
	d, ok := advancedDecoders[t.Family]
	if !ok {
		return fmt.Errorf("%w: no advanced layout for family %s", ErrProtocolMismatch, t.Family)
	}
	d.decodeAdvanced(frame, t)
	return nil
}

// DecodeMapIndices stores the fuel table cell the ECU is currently using.
func (t *Telemetry) DecodeMapIndices(frame []byte) error {
	if err := checkFrame(frame, idMapIndex, 5); err != nil {
		return err
	}
	t.MapN = int(frame[2])
	t.MapP = int(frame[3])
	return nil
}

// DecodeSensors reads the eight sensor voltages and the 16 switch flags.
func (t *Telemetry) DecodeSensors(frame []byte) error {
	if err := checkFrame(frame, idSensor, 21); err != nil {
		return err
	}
	for i := range t.Sensors {
		t.Sensors[i] = u16(frame, 2+i*2) * 0.01
	}
	flags := binary.LittleEndian.Uint16(frame[18:])
	for i := range t.Flags {
		t.Flags[i] = flags>>i&1 == 1
	}
	return nil
}

// DecodeBasic reads the basic data frame, shared by every family.
func (t *Telemetry) DecodeBasic(frame []byte) error {
	if err := checkFrame(frame, idBasic, 23); err != nil {
		return err
	}
	t.InjDuty = u16(frame, 2) * 0.1
	t.LeadingIgn = u16(frame, 4)
	t.TrailingIgn = u16(frame, 6)
	t.RPM = u16(frame, 8)
	t.Speed = u16(frame, 10)
	t.Boost = boostPressure(frame, 12)
	t.Knock = u16(frame, 14)
	t.WaterTemp = u16(frame, 16) - 80
	t.IntakeTemp = u16(frame, 18) - 80
	t.BatteryV = u16(frame, 20) * 0.1
	return nil
}

// DecodeSensorLabels reads the 4 character sensor names and 3 character flag names.
func (t *Telemetry) DecodeSensorLabels(frame []byte) error {
	if err := checkFrame(frame, idSensorLabels, 83); err != nil {
		return err
	}
	for i := range t.SensorLabels {
		t.SensorLabels[i] = strings.TrimSpace(string(frame[2+i*4 : 6+i*4]))
	}
	for i := range t.FlagLabels {
		t.FlagLabels[i] = strings.TrimSpace(string(frame[34+i*3 : 37+i*3]))
	}
	return nil
}

// DecodePlatform returns the raw 8 character platform string, padding included.
func DecodePlatform(frame []byte) (string, error) {
	if err := checkFrame(frame, idPlatform, 11); err != nil {
		return "", err
	}
	return string(frame[2:10]), nil
}

// DecodePlatformVersion reads the ECU firmware version string.
func (t *Telemetry) DecodePlatformVersion(frame []byte) error {
	if err := checkFrame(frame, idVersion, 8); err != nil {
		return err
	}
	t.PlatformVersion = strings.TrimSpace(string(frame[2:7]))
	return nil
}

// DecodeDatalogitVersion stores the interface version and returns its
// major digit, which selects the aux request variant.
func (t *Telemetry) DecodeDatalogitVersion(frame []byte) (byte, error) {
	if err := checkFrame(frame, idAux, 8); err != nil {
		return 0, err
	}
	t.DatalogitVersion = strings.TrimSpace(string(frame[2:7]))
	return frame[3], nil
}

// AuxVolts converts a black (8 x u16) or white (4 x u8) Datalogit aux frame
// into input voltages AN1, AN2, ...
func AuxVolts(frame []byte) ([]float64, error) {
	if len(frame) < 3 {
		return nil, fmt.Errorf("%w: aux frame too short", ErrProtocolMismatch)
	}
	switch frame[0] {
	case idAux:
		if err := checkFrame(frame, idAux, Requests[AuxRequestIdx].ResponseSize); err != nil {
			return nil, err
		}
		volts := make([]float64, 8)
		for i := range volts {
			volts[i] = u16(frame, 2+i*2) * auxBlackVoltRaw
		}
		return volts, nil
	case idAuxV1:
		if err := checkFrame(frame, idAuxV1, auxV1Request.ResponseSize); err != nil {
			return nil, err
		}
		volts := make([]float64, 4)
		for i := range volts {
			volts[i] = u8(frame, 2+i) * auxWhiteVoltRaw
		}
		return volts, nil
	}
	return nil, mismatch("aux id", idAux, int(frame[0]))
}

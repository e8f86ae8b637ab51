package powerfc

// Response ids, i.e. the leading byte the ECU echoes back.
const (
	idAuxV1        = 0x00
	idAux          = 0x01 // black Datalogit aux, also datalogit version
	idBasic        = 0xDA
	idMapIndex     = 0xDB
	idSensorLabels = 0xDD
	idSensor       = 0xDE
	idAdvanced     = 0xF0
	idAck          = 0xF2
	idPlatform     = 0xF3
	idVersion      = 0xF5

	auxBlackLenByte  = 0x12
	datalogitLenByte = 0x07
)

// RequestDescriptor is one poll opcode and the size of its response.
type RequestDescriptor struct {
	Name         string
	Opcode       []byte
	ResponseSize int
}

// Requests is the fixed request sequence: identification, the eight fuel
// map chunks, then the repeating live data cycle.
var Requests = []RequestDescriptor{
	{"platform", []byte{0xF3, 0x02, 0x0A}, 11},
	{"datalogit version", []byte{0x01, 0x02, 0xFC}, 8},
	{"platform version", []byte{0xF5, 0x02, 0x08}, 8},
	{"sensor labels", []byte{0xDD, 0x02, 0x20}, 83},
	{"fuel map 1/8", []byte{0xB0, 0x02, 0x4D}, 103},
	{"fuel map 2/8", []byte{0xB1, 0x02, 0x4C}, 103},
	{"fuel map 3/8", []byte{0xB2, 0x02, 0x4B}, 103},
	{"fuel map 4/8", []byte{0xB3, 0x02, 0x4A}, 103},
	{"fuel map 5/8", []byte{0xB4, 0x02, 0x49}, 103},
	{"fuel map 6/8", []byte{0xB5, 0x02, 0x48}, 103},
	{"fuel map 7/8", []byte{0xB6, 0x02, 0x47}, 103},
	{"fuel map 8/8", []byte{0xB7, 0x02, 0x46}, 103},
	// Live data
	{"advanced data", []byte{0xF0, 0x02, 0x0D}, 33},
	{"map indices", []byte{0xDB, 0x02, 0x22}, 5},
	{"sensor data", []byte{0xDE, 0x02, 0x1F}, 21},
	{"basic data", []byte{0xDA, 0x02, 0x23}, 23},
	{"aux data", []byte{0x01, 0x03, 0x00, 0xFB}, 19},
}

// auxV1Request replaces the aux request for the white (V1) Datalogit.
var auxV1Request = RequestDescriptor{"aux data (v1)", []byte{0x00, 0x02, 0xFD}, 7}

const (
	InitRequestIdx   = 0
	FirstFuelMapIdx  = 4
	FirstLiveDataIdx = 12
	AuxRequestIdx    = 16
	LastRequestIdx   = 16
	AckSize          = 3
)

const datalogitV1 byte = '1'

// RequestCycle tracks the position in the request sequence.
type RequestCycle struct {
	idx     int
	polling bool
}

// Reset moves back to the very first request (init mode).
func (c *RequestCycle) Reset() {
	c.idx = InitRequestIdx
	c.polling = false
}

// Index returns the current request index.
func (c *RequestCycle) Index() int { return c.idx }

// Polling reports whether the init sequence has completed at least once.
func (c *RequestCycle) Polling() bool { return c.polling }

// Advance moves to the next request. It returns true when the sequence
// wrapped, which marks the end of one live data cycle.
func (c *RequestCycle) Advance() bool {
	if c.idx < LastRequestIdx {
		c.idx++
		return false
	}
	c.idx = FirstLiveDataIdx
	c.polling = true
	return true
}

// Descriptor returns the request for the current index, applying the
// white Datalogit aux override.
func (c *RequestCycle) Descriptor(datalogitMajor byte) RequestDescriptor {
	if c.idx == AuxRequestIdx && datalogitMajor == datalogitV1 {
		return auxV1Request
	}
	return Requests[c.idx]
}

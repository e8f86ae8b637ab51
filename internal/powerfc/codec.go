package powerfc

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/fatih/color"
)

const (
	// FuelMapChunks is the number of requests needed to read or write the whole map.
	FuelMapChunks = 8
	// CellsPerChunk is the number of fuel cells carried by one map frame.
	CellsPerChunk = 50
	// TableSize is the width and height of the fuel table.
	TableSize = 20

	fuelMapBaseID   = 0xB0
	fuelMapLenByte  = 102
	fuelMapFrameLen = 103 // id + length + 100 payload + checksum

	// raw count = ms * 1000 / 4
	fuelScale = 4.0 / 1000.0
)

// Grid is a fuel table indexed [row][col], row = load index, col = rpm index.
type Grid [TableSize][TableSize]float64

// Cell addresses one fuel table cell.
type Cell struct {
	Row, Col int
}

// Checksum returns 255 minus the byte sum of data, modulo 256.
// A frame is valid when all its bytes, checksum included, sum to 0xFF.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return 0xFF - sum
}

// VerifyFrame checks the length byte and trailing checksum of a response.
func VerifyFrame(frame []byte) error {
	if len(frame) < 3 {
		return fmt.Errorf("%w: frame too short (%d bytes)", ErrProtocolMismatch, len(frame))
	}
	if int(frame[1]) != len(frame)-1 {
		return mismatch("length", len(frame)-1, int(frame[1]))
	}
	last := len(frame) - 1
	if want := Checksum(frame[:last]); frame[last] != want {
		return mismatch("checksum", int(want), int(frame[last]))
	}
	return nil
}

// EncodeReadRequest returns the opcode bytes to transmit for a poll.
func EncodeReadRequest(d RequestDescriptor) []byte {
	out := make([]byte, len(d.Opcode))
	copy(out, d.Opcode)
	return out
}

// fuelMapRow: chunks 1, 3, 5, 7 start at row 0; 2, 4, 6, 8 at row 10.
func fuelMapRow(chunk int) int {
	if chunk%2 == 1 {
		return 0
	}
	return 10
}

func fuelMapColumn(chunk int) int {
	cells := chunk * CellsPerChunk
	if chunk%2 == 1 {
		return cells/TableSize - 2
	}
	return cells/TableSize - 3
}

// ChunkCells lists, in transmission order, the cells carried by chunk 1..8.
func ChunkCells(chunk int) []Cell {
	row, col := fuelMapRow(chunk), fuelMapColumn(chunk)
	cells := make([]Cell, 0, CellsPerChunk)
	for len(cells) < CellsPerChunk {
		cells = append(cells, Cell{Row: row, Col: col})
		row++
		if row == TableSize {
			row = 0
			col++
		}
	}
	return cells
}

func validChunk(chunk int) error {
	if chunk < 1 || chunk > FuelMapChunks {
		return fmt.Errorf("%w: fuel map chunk %d", ErrOutOfRange, chunk)
	}
	return nil
}

func fuelToRaw(v float64) uint16 {
	raw := math.Round(v / fuelScale)
	switch {
	case raw < 0:
		return 0
	case raw > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(raw)
}

// EncodeFuelMapWriteChunk builds the 103-byte frame that writes chunk 1..8 of grid.
func EncodeFuelMapWriteChunk(chunk int, grid *Grid) ([]byte, error) {
	if err := validChunk(chunk); err != nil {
		return nil, err
	}
	frame := make([]byte, fuelMapFrameLen)
	frame[0] = byte(fuelMapBaseID + chunk - 1)
	frame[1] = fuelMapLenByte
	for i, c := range ChunkCells(chunk) {
		binary.LittleEndian.PutUint16(frame[2+i*2:], fuelToRaw(grid[c.Row][c.Col]))
	}
	frame[fuelMapFrameLen-1] = Checksum(frame[:fuelMapFrameLen-1])
	return frame, nil
}

// DecodeFuelMapReadChunk validates a fuel map response and returns its 50
// cell values in ms, in the same order as ChunkCells.
func DecodeFuelMapReadChunk(chunk int, frame []byte) ([]float64, error) {
	if err := validChunk(chunk); err != nil {
		return nil, err
	}
	if len(frame) != fuelMapFrameLen {
		return nil, fmt.Errorf("%w: fuel map frame is %d bytes, want %d",
			ErrProtocolMismatch, len(frame), fuelMapFrameLen)
	}
	if id := fuelMapBaseID + chunk - 1; int(frame[0]) != id {
		return nil, mismatch("fuel map id", id, int(frame[0]))
	}
	if frame[1] != fuelMapLenByte {
		return nil, mismatch("fuel map length", fuelMapLenByte, int(frame[1]))
	}
	if err := VerifyFrame(frame); err != nil {
		return nil, err
	}
	values := make([]float64, CellsPerChunk)
	for i := range values {
		raw := binary.LittleEndian.Uint16(frame[2+i*2:])
		values[i] = float64(raw) * fuelScale
	}
	return values, nil
}

var (
	txColor  = color.New(color.FgHiBlue).SprintfFunc()
	rxColor  = color.New(color.FgGreen).SprintfFunc()
	badColor = color.New(color.FgRed).SprintfFunc()
)

// FormatFrame renders a frame as a colored hex dump for debug logging.
// dir is "<" for received and ">" for transmitted frames.
func FormatFrame(dir string, frame []byte) string {
	var hexView strings.Builder
	for i, b := range frame {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != len(frame)-1 {
			hexView.WriteString(" ")
		}
	}
	line := fmt.Sprintf("%s %3d || %s", dir, len(frame), hexView.String())
	switch {
	case dir == ">":
		return txColor("%s", line)
	case len(frame) > 2 && VerifyFrame(frame) != nil:
		return badColor("%s", line)
	default:
		return rxColor("%s", line)
	}
}

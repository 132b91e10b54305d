package depth

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fnolabs/tickflow/internal/feed"
)

// Response codes on the 200-level feed (byte 2 of the header).
const (
	CodeBid        byte = 41
	CodeAsk        byte = 51
	CodeDisconnect byte = 50
)

const (
	headerSize = 12
	entrySize  = 12

	// MaxLevels is the book depth per side.
	MaxLevels = 200
)

// Level is one price level of the 200-level book.
type Level struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int64   `json:"orders"`
}

// Frame is one decoded depth frame: a half book (one side) or a server
// disconnect. The header's msg_sequence field is not carried; nothing
// downstream orders by it.
type Frame struct {
	Length     uint16
	Code       byte
	Segment    feed.Segment
	SecurityID int32
	Levels     []Level // bid/ask frames
	Reason     int16   // disconnect frames
}

// AuthFailure reports whether a disconnect frame indicates a credential
// problem. Reason codes match the tick feed's.
func (f *Frame) AuthFailure() bool {
	switch int(f.Reason) {
	case feed.DisconnectTokenExpired, feed.DisconnectInvalidClient, feed.DisconnectAuthFailed:
		return true
	}
	return false
}

// DecodeMessage splits one WebSocket message into its stacked frames.
// msg_length counts from the start of each header, so the next frame
// begins exactly at that offset. On error the frames decoded so far are
// still returned; the caller counts the failure and keeps them.
func DecodeMessage(data []byte) ([]Frame, error) {
	var frames []Frame

	off := 0
	for off < len(data) {
		rest := data[off:]
		if len(rest) < headerSize {
			return frames, fmt.Errorf("short depth header at offset %d: %d bytes", off, len(rest))
		}
		length := int(binary.LittleEndian.Uint16(rest[0:2]))
		if length < headerSize || length > len(rest) {
			return frames, fmt.Errorf("depth frame length %d at offset %d out of bounds", length, off)
		}

		frame, err := parseFrame(rest[:length])
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
		off += length
	}

	return frames, nil
}

func parseFrame(data []byte) (Frame, error) {
	f := Frame{
		Length:     binary.LittleEndian.Uint16(data[0:2]),
		Code:       data[2],
		Segment:    feed.Segment(data[3]),
		SecurityID: int32(binary.LittleEndian.Uint32(data[4:8])),
	}

	switch f.Code {
	case CodeDisconnect:
		if len(data) < headerSize+2 {
			return f, fmt.Errorf("disconnect frame too short: %d bytes", len(data))
		}
		f.Reason = int16(binary.LittleEndian.Uint16(data[12:14]))
		return f, nil

	case CodeBid, CodeAsk:
		body := data[headerSize:]
		if len(body)%entrySize != 0 {
			return f, fmt.Errorf("depth body of %d bytes is not whole levels", len(body))
		}
		n := len(body) / entrySize
		if n > MaxLevels {
			return f, fmt.Errorf("depth frame carries %d levels, max %d", n, MaxLevels)
		}

		f.Levels = make([]Level, n)
		for i := 0; i < n; i++ {
			e := body[i*entrySize : (i+1)*entrySize]
			f.Levels[i] = Level{
				Price:    float64(math.Float32frombits(binary.LittleEndian.Uint32(e[0:4]))),
				Quantity: int64(int32(binary.LittleEndian.Uint32(e[4:8]))),
				Orders:   int64(int32(binary.LittleEndian.Uint32(e[8:12]))),
			}
		}
		return f, nil
	}

	return f, fmt.Errorf("unknown depth response code %d", f.Code)
}

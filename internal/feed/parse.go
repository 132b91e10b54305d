package feed

import (
	"encoding/binary"
	"math"
)

// Frame sizes inclusive of the 8-byte header.
const (
	sizeHeader     = 8
	sizeIndex      = 16
	sizeTicker     = 16
	sizeQuote      = 51
	sizeOI         = 12
	sizePrevClose  = 16
	sizeFull       = 163
	sizeDisconnect = 10
)

// ParseHeader parses the common 8-byte header.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < sizeHeader {
		return Header{}, &DecodeError{Length: len(data), Reason: "short header"}
	}
	return Header{
		Code:          data[0],
		MessageLength: int16(binary.LittleEndian.Uint16(data[1:3])),
		Segment:       Segment(data[3]),
		SecurityID:    int32(binary.LittleEndian.Uint32(data[4:8])),
	}, nil
}

// Decode classifies a single frame by its response code and parses it.
// Deterministic: identical bytes always yield identical records.
func Decode(data []byte) (Packet, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	switch header.Code {
	case CodeIndex:
		return ParseIndex(data)
	case CodeTicker:
		return ParseTicker(data)
	case CodeQuote:
		return ParseQuote(data)
	case CodeOI:
		return ParseOI(data)
	case CodePrevClose:
		return ParsePrevClose(data)
	case CodeMarketStatus:
		return &MarketStatusPacket{Header: header}, nil
	case CodeFull:
		return ParseFull(data)
	case CodeDisconnect:
		return ParseDisconnect(data)
	}
	return nil, &DecodeError{Code: header.Code, Length: len(data), Reason: "unknown response code"}
}

// ParseIndex parses an index tick (16 bytes).
// Bytes 8-11: index value (float32)
// Bytes 12-15: update time epoch (int32)
func ParseIndex(data []byte) (*IndexPacket, error) {
	if len(data) < sizeIndex {
		return nil, &DecodeError{Code: CodeIndex, Length: len(data), Reason: "short index frame"}
	}
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	return &IndexPacket{
		Header: header,
		Value:  bytesToFloat32(data[8:12]),
		Time:   epochIST(int32(binary.LittleEndian.Uint32(data[12:16]))),
	}, nil
}

// ParseTicker parses a ticker packet (16 bytes).
// Bytes 8-11: last traded price (float32)
// Bytes 12-15: trade time epoch (int32)
func ParseTicker(data []byte) (*TickerPacket, error) {
	if len(data) < sizeTicker {
		return nil, &DecodeError{Code: CodeTicker, Length: len(data), Reason: "short ticker frame"}
	}
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	return &TickerPacket{
		Header:    header,
		LastPrice: bytesToFloat32(data[8:12]),
		TradeTime: epochIST(int32(binary.LittleEndian.Uint32(data[12:16]))),
	}, nil
}

// ParseQuote parses a quote packet (51 bytes).
// Bytes 8-11: last traded price (float32)
// Bytes 12-13: last traded quantity (int16)
// Bytes 14-17: last trade time epoch (int32)
// Bytes 18-21: average trade price (float32)
// Bytes 22-25: volume (int32)
// Bytes 26-29: total sell quantity (int32)
// Bytes 30-33: total buy quantity (int32)
// Bytes 34-49: day open, close, high, low (float32 each)
func ParseQuote(data []byte) (*QuotePacket, error) {
	if len(data) < sizeQuote {
		return nil, &DecodeError{Code: CodeQuote, Length: len(data), Reason: "short quote frame"}
	}
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	return &QuotePacket{
		Header:            header,
		LastPrice:         bytesToFloat32(data[8:12]),
		LastQuantity:      int16(binary.LittleEndian.Uint16(data[12:14])),
		TradeTime:         epochIST(int32(binary.LittleEndian.Uint32(data[14:18]))),
		AvgPrice:          bytesToFloat32(data[18:22]),
		Volume:            int32(binary.LittleEndian.Uint32(data[22:26])),
		TotalSellQuantity: int32(binary.LittleEndian.Uint32(data[26:30])),
		TotalBuyQuantity:  int32(binary.LittleEndian.Uint32(data[30:34])),
		DayOpen:           bytesToFloat32(data[34:38]),
		DayClose:          bytesToFloat32(data[38:42]),
		DayHigh:           bytesToFloat32(data[42:46]),
		DayLow:            bytesToFloat32(data[46:50]),
	}, nil
}

// ParseOI parses an open interest packet (12 bytes).
// Bytes 8-11: open interest (int32)
func ParseOI(data []byte) (*OIPacket, error) {
	if len(data) < sizeOI {
		return nil, &DecodeError{Code: CodeOI, Length: len(data), Reason: "short OI frame"}
	}
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	return &OIPacket{
		Header:       header,
		OpenInterest: int32(binary.LittleEndian.Uint32(data[8:12])),
	}, nil
}

// ParsePrevClose parses a previous close packet (16 bytes).
// Bytes 8-11: previous close price (float32)
// Bytes 12-15: previous open interest (int32)
func ParsePrevClose(data []byte) (*PrevClosePacket, error) {
	if len(data) < sizePrevClose {
		return nil, &DecodeError{Code: CodePrevClose, Length: len(data), Reason: "short prev close frame"}
	}
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	return &PrevClosePacket{
		Header:           header,
		PrevClose:        bytesToFloat32(data[8:12]),
		PrevOpenInterest: int32(binary.LittleEndian.Uint32(data[12:16])),
	}, nil
}

// ParseFull parses a full packet with market depth (163 bytes).
// Bytes 8-33: trade block, same layout as the quote packet
// Bytes 34-37: open interest (int32)
// Bytes 38-41: OI day high (int32)
// Bytes 42-45: OI day low (int32)
// Bytes 46-61: day open, close, high, low (float32 each)
// Bytes 62-161: market depth, 5 levels x 20 bytes
func ParseFull(data []byte) (*FullPacket, error) {
	if len(data) < sizeFull {
		return nil, &DecodeError{Code: CodeFull, Length: len(data), Reason: "short full frame"}
	}
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	full := &FullPacket{
		Header:            header,
		LastPrice:         bytesToFloat32(data[8:12]),
		LastQuantity:      int16(binary.LittleEndian.Uint16(data[12:14])),
		TradeTime:         epochIST(int32(binary.LittleEndian.Uint32(data[14:18]))),
		AvgPrice:          bytesToFloat32(data[18:22]),
		Volume:            int32(binary.LittleEndian.Uint32(data[22:26])),
		TotalSellQuantity: int32(binary.LittleEndian.Uint32(data[26:30])),
		TotalBuyQuantity:  int32(binary.LittleEndian.Uint32(data[30:34])),
		OpenInterest:      int32(binary.LittleEndian.Uint32(data[34:38])),
		OIDayHigh:         int32(binary.LittleEndian.Uint32(data[38:42])),
		OIDayLow:          int32(binary.LittleEndian.Uint32(data[42:46])),
		DayOpen:           bytesToFloat32(data[46:50]),
		DayClose:          bytesToFloat32(data[50:54]),
		DayHigh:           bytesToFloat32(data[54:58]),
		DayLow:            bytesToFloat32(data[58:62]),
	}

	// 5 levels of market depth at bytes 62-161. A level is
	// bid_qty i32, ask_qty i32, bid_orders i16, ask_orders i16,
	// bid_price f32, ask_price f32.
	const depthOffset = 62
	for i := 0; i < 5; i++ {
		offset := depthOffset + i*20
		full.Depth[i] = DepthLevel{
			BidQuantity: int32(binary.LittleEndian.Uint32(data[offset : offset+4])),
			AskQuantity: int32(binary.LittleEndian.Uint32(data[offset+4 : offset+8])),
			BidOrders:   int16(binary.LittleEndian.Uint16(data[offset+8 : offset+10])),
			AskOrders:   int16(binary.LittleEndian.Uint16(data[offset+10 : offset+12])),
			BidPrice:    bytesToFloat32(data[offset+12 : offset+16]),
			AskPrice:    bytesToFloat32(data[offset+16 : offset+20]),
		}
	}

	return full, nil
}

// ParseDisconnect parses a server disconnect packet (10 bytes).
// Bytes 8-9: reason code (int16)
func ParseDisconnect(data []byte) (*DisconnectPacket, error) {
	if len(data) < sizeDisconnect {
		return nil, &DecodeError{Code: CodeDisconnect, Length: len(data), Reason: "short disconnect frame"}
	}
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	return &DisconnectPacket{
		Header: header,
		Reason: int16(binary.LittleEndian.Uint16(data[8:10])),
	}, nil
}

// bytesToFloat32 converts 4 bytes to float32 (little endian), no allocation.
func bytesToFloat32(b []byte) float32 {
	bits := binary.LittleEndian.Uint32(b)
	return math.Float32frombits(bits)
}

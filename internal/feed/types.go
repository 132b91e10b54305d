package feed

import (
	"fmt"
	"time"
)

// Response codes sent by the tick feed (byte 0 of every frame).
const (
	CodeIndex        byte = 1
	CodeTicker       byte = 2
	CodeQuote        byte = 4
	CodeOI           byte = 5
	CodePrevClose    byte = 6
	CodeMarketStatus byte = 7
	CodeFull         byte = 8
	CodeDisconnect   byte = 50
)

// Request codes for subscription messages.
const (
	RequestTicker     = 15
	RequestQuote      = 17
	RequestFull       = 21
	RequestFullDepth  = 23
	RequestDisconnect = 12
)

// Disconnect reason codes sent with CodeDisconnect frames.
const (
	DisconnectMaxConnections = 805 // No. of active websocket connections exceeded
	DisconnectNotSubscribed  = 806 // Subscribe to Data APIs to continue
	DisconnectTokenExpired   = 807 // Access token is expired
	DisconnectInvalidClient  = 808 // Invalid client ID
	DisconnectAuthFailed     = 809 // Authentication failed
)

// Segment is the exchange segment code carried in byte 3 of the header.
type Segment uint8

// Segment codes. The numeric values and their string names are fixed by the
// feed; subscription JSON uses the string form, binary frames the numeric.
const (
	SegmentIndex       Segment = 0
	SegmentNSEEquity   Segment = 1
	SegmentNSEFnO      Segment = 2
	SegmentNSECurrency Segment = 3
	SegmentBSEEquity   Segment = 4
	SegmentMCXComm     Segment = 5
	SegmentBSECurrency Segment = 7
	SegmentBSEFnO      Segment = 8
)

// String returns the subscription name for the segment, or "UNKNOWN" for
// codes the feed does not define.
func (s Segment) String() string {
	switch s {
	case SegmentIndex:
		return "IDX_I"
	case SegmentNSEEquity:
		return "NSE_EQ"
	case SegmentNSEFnO:
		return "NSE_FNO"
	case SegmentNSECurrency:
		return "NSE_CURRENCY"
	case SegmentBSEEquity:
		return "BSE_EQ"
	case SegmentMCXComm:
		return "MCX_COMM"
	case SegmentBSECurrency:
		return "BSE_CURRENCY"
	case SegmentBSEFnO:
		return "BSE_FNO"
	}
	return "UNKNOWN"
}

// ParseSegment converts a subscription name back to its numeric code.
func ParseSegment(name string) (Segment, error) {
	switch name {
	case "IDX_I":
		return SegmentIndex, nil
	case "NSE_EQ":
		return SegmentNSEEquity, nil
	case "NSE_FNO":
		return SegmentNSEFnO, nil
	case "NSE_CURRENCY":
		return SegmentNSECurrency, nil
	case "BSE_EQ":
		return SegmentBSEEquity, nil
	case "MCX_COMM":
		return SegmentMCXComm, nil
	case "BSE_CURRENCY":
		return SegmentBSECurrency, nil
	case "BSE_FNO":
		return SegmentBSEFnO, nil
	}
	return 0, fmt.Errorf("unknown exchange segment %q", name)
}

// Header is the common 8-byte frame header.
// Byte 0: response code
// Bytes 1-2: message length (int16, little endian)
// Byte 3: exchange segment code
// Bytes 4-7: security ID (int32, little endian)
type Header struct {
	Code          byte
	MessageLength int16
	Segment       Segment
	SecurityID    int32
}

// Head returns the frame header. Every packet type embeds Header, so this
// single method makes them all satisfy Packet.
func (h Header) Head() Header { return h }

// Packet is any decoded tick-feed frame.
type Packet interface {
	Head() Header
}

// IndexPacket carries an index value update (16 bytes).
type IndexPacket struct {
	Header
	Value float32
	Time  time.Time
}

// TickerPacket carries last traded price and time (16 bytes).
type TickerPacket struct {
	Header
	LastPrice float32
	TradeTime time.Time
}

// QuotePacket carries trade and day-level fields without depth (51 bytes).
type QuotePacket struct {
	Header
	LastPrice         float32
	LastQuantity      int16
	TradeTime         time.Time
	AvgPrice          float32
	Volume            int32
	TotalSellQuantity int32
	TotalBuyQuantity  int32
	DayOpen           float32
	DayClose          float32
	DayHigh           float32
	DayLow            float32
}

// OIPacket carries open interest (12 bytes).
type OIPacket struct {
	Header
	OpenInterest int32
}

// PrevClosePacket carries the previous session close and OI (16 bytes).
type PrevClosePacket struct {
	Header
	PrevClose        float32
	PrevOpenInterest int32
}

// DepthLevel is one 20-byte level of the 5-level depth block.
type DepthLevel struct {
	BidQuantity int32
	AskQuantity int32
	BidOrders   int16
	AskOrders   int16
	BidPrice    float32
	AskPrice    float32
}

// FullPacket carries the complete trade block plus 5 depth levels
// (163 bytes).
type FullPacket struct {
	Header
	LastPrice         float32
	LastQuantity      int16
	TradeTime         time.Time
	AvgPrice          float32
	Volume            int32
	TotalSellQuantity int32
	TotalBuyQuantity  int32
	OpenInterest      int32
	OIDayHigh         int32
	OIDayLow          int32
	DayOpen           float32
	DayClose          float32
	DayHigh           float32
	DayLow            float32
	Depth             [5]DepthLevel
}

// BestBid returns the top-of-book bid price.
func (p *FullPacket) BestBid() float32 { return p.Depth[0].BidPrice }

// BestAsk returns the top-of-book ask price.
func (p *FullPacket) BestAsk() float32 { return p.Depth[0].AskPrice }

// MarketStatusPacket acknowledges a market status frame; contents are not
// consumed downstream.
type MarketStatusPacket struct {
	Header
}

// DisconnectPacket is the server-initiated disconnect (10 bytes).
type DisconnectPacket struct {
	Header
	Reason int16
}

// AuthFailure reports whether the disconnect reason indicates a credential
// problem rather than a transient transport issue.
func (p *DisconnectPacket) AuthFailure() bool {
	switch int(p.Reason) {
	case DisconnectTokenExpired, DisconnectInvalidClient, DisconnectAuthFailed:
		return true
	}
	return false
}

// DecodeError reports a frame that could not be parsed. Policy: the frame is
// dropped and counted, the connection stays up.
type DecodeError struct {
	Code   byte
	Length int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame code=%d len=%d: %s", e.Code, e.Length, e.Reason)
}

// istZone is the exchange timezone. Wire timestamps are Unix seconds and are
// rendered as zone-aware instants in IST (UTC+5:30).
var istZone = time.FixedZone("IST", 330*60)

func epochIST(sec int32) time.Time {
	return time.Unix(int64(sec), 0).In(istZone)
}

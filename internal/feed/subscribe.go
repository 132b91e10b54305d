package feed

import (
	"net/url"
)

// MaxInstrumentsPerRequest is the feed's per-message subscription cap.
const MaxInstrumentsPerRequest = 100

// Instrument identifies one subscription target. The JSON keys are exactly
// what the feed expects: segment as its string name, security ID as a string.
type Instrument struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

// SubscribeRequest is one subscription message.
type SubscribeRequest struct {
	RequestCode     int          `json:"RequestCode"`
	InstrumentCount int          `json:"InstrumentCount"`
	InstrumentList  []Instrument `json:"InstrumentList"`
}

// ChunkRequests splits instruments into subscription messages of at most
// MaxInstrumentsPerRequest each, preserving order.
func ChunkRequests(code int, instruments []Instrument) []SubscribeRequest {
	if len(instruments) == 0 {
		return nil
	}
	requests := make([]SubscribeRequest, 0, (len(instruments)+MaxInstrumentsPerRequest-1)/MaxInstrumentsPerRequest)
	for start := 0; start < len(instruments); start += MaxInstrumentsPerRequest {
		end := start + MaxInstrumentsPerRequest
		if end > len(instruments) {
			end = len(instruments)
		}
		chunk := instruments[start:end]
		requests = append(requests, SubscribeRequest{
			RequestCode:     code,
			InstrumentCount: len(chunk),
			InstrumentList:  chunk,
		})
	}
	return requests
}

// BuildURL composes the feed endpoint with auth query parameters:
// wss://<host>?version=2&token=<ACCESS>&clientId=<CID>&authType=2
func BuildURL(base, accessToken, clientID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("version", "2")
	q.Set("token", accessToken)
	q.Set("clientId", clientID)
	q.Set("authType", "2")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

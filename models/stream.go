package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Topic identifies a logical stream: a channel, a symbol and an optional
// sub-parameter such as a kline interval.
type Topic struct {
	Channel string
	Symbol  string
	Param   string
}

// String canonicalizes the topic into the exchange stream name, e.g.
// "btcusdt@depth" or "btcusdt@kline_1m". The canonical form is used as the
// registry key so that equivalent subscriptions deduplicate.
func (t Topic) String() string {
	name := strings.ToLower(t.Symbol) + "@" + t.Channel
	if t.Param != "" {
		name += "_" + t.Param
	}
	return name
}

// ChannelFromStream extracts the bare channel name from a canonical stream
// name: "btcusdt@kline_1m" -> "kline", "btcusdt@depth@100ms" -> "depth".
func ChannelFromStream(stream string) string {
	idx := strings.Index(stream, "@")
	if idx < 0 {
		return stream
	}
	channel := stream[idx+1:]
	if i := strings.IndexAny(channel, "@_"); i >= 0 {
		channel = channel[:i]
	}
	return channel
}

// ControlMessage is the frame sent to manage stream subscriptions.
type ControlMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

const (
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
)

// CombinedFrame is the multiplexed envelope: the stream name plus the raw
// event payload.
type CombinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// EventProbe reads just enough of a flat event-typed frame to classify it.
type EventProbe struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
}

// StreamFrame is the single normalized form every inbound data frame is
// reduced to at the ingress boundary, regardless of envelope shape.
type StreamFrame struct {
	Stream  string
	Channel string
	Symbol  string
	Data    json.RawMessage
}

// DepthUpdateEvent is an incremental order book delta.
type DepthUpdateEvent struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID uint64     `json:"U"`
	FinalUpdateID uint64     `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// TradeEvent is one executed trade from the trade stream.
type TradeEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// DepthSnapshotResponse is the REST depth snapshot for one symbol.
type DepthSnapshotResponse struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// EventChannel maps an event type carried in a flat frame to the channel a
// consumer would have subscribed to. Unknown event types map to "".
func EventChannel(eventType string) string {
	switch eventType {
	case "depthUpdate":
		return "depth"
	case "kline":
		return "kline"
	case "trade":
		return "trade"
	case "aggTrade":
		return "aggTrade"
	case "24hrTicker":
		return "ticker"
	case "24hrMiniTicker":
		return "miniTicker"
	default:
		return ""
	}
}

// NormalizeFrame decodes an inbound websocket payload into a StreamFrame.
// Both the combined {stream,data} envelope and the flat {"e":...} event shape
// are accepted. Returns an error for frames that are neither.
func NormalizeFrame(payload []byte) (StreamFrame, error) {
	var combined CombinedFrame
	if err := json.Unmarshal(payload, &combined); err == nil && combined.Stream != "" {
		frame := StreamFrame{
			Stream:  combined.Stream,
			Channel: ChannelFromStream(combined.Stream),
			Data:    combined.Data,
		}
		var probe EventProbe
		if err := json.Unmarshal(combined.Data, &probe); err == nil {
			frame.Symbol = probe.Symbol
		}
		return frame, nil
	}

	var probe EventProbe
	if err := json.Unmarshal(payload, &probe); err != nil {
		return StreamFrame{}, fmt.Errorf("unrecognized frame: %w", err)
	}
	if probe.EventType == "" {
		return StreamFrame{}, fmt.Errorf("frame carries neither stream name nor event type")
	}
	channel := EventChannel(probe.EventType)
	if channel == "" {
		return StreamFrame{}, fmt.Errorf("unknown event type %q", probe.EventType)
	}
	frame := StreamFrame{
		Channel: channel,
		Symbol:  probe.Symbol,
		Data:    payload,
	}
	if probe.Symbol != "" {
		frame.Stream = Topic{Channel: channel, Symbol: probe.Symbol}.String()
	}
	return frame, nil
}

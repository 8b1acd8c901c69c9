// Package stream owns the physical websocket connection and multiplexes
// logical channel subscriptions over it.
package stream

import "strings"

// ChannelKind names a logical stream channel.
type ChannelKind string

const (
	// ChannelOrders carries private order update frames.
	ChannelOrders ChannelKind = "orders"
	// ChannelTrades carries private trade/fill frames.
	ChannelTrades ChannelKind = "trades"
)

// Descriptor identifies one logical subscription: a channel kind plus an
// instrument, where an empty instrument means "all". Multiple descriptors with
// the same key share one underlying subscription.
type Descriptor struct {
	Channel    ChannelKind
	Instrument string
}

// Key returns the deduplication key for the descriptor.
func (d Descriptor) Key() string {
	channel := strings.TrimSpace(strings.ToLower(string(d.Channel)))
	instrument := strings.TrimSpace(strings.ToUpper(d.Instrument))
	return channel + "|" + instrument
}

// Valid reports whether the descriptor names a channel.
func (d Descriptor) Valid() bool {
	return strings.TrimSpace(string(d.Channel)) != ""
}

package stream

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/kestrelhq/ordersync/errs"
)

// Codec builds control messages and routes inbound frames. Subscribe message
// bodies and frame schemas are exchange-specific; adapters supply a Codec and
// the connection stays wire-format agnostic.
type Codec interface {
	// EncodeSubscribe builds one combined subscribe message for all
	// descriptors. The token is empty for public-only subscriptions.
	EncodeSubscribe(descs []Descriptor, token string) ([]byte, error)
	EncodeUnsubscribe(descs []Descriptor) ([]byte, error)
	// EncodePing returns the keepalive payload, or ok=false when the
	// exchange needs no client pings.
	EncodePing() ([]byte, bool)
	// Route extracts the subscription key and payload from a raw frame.
	// An empty key with nil error marks a control frame to be ignored.
	Route(frame []byte) (key string, payload []byte, err error)
}

type controlArgument struct {
	Channel    string `json:"channel"`
	Instrument string `json:"instrument,omitempty"`
}

type controlRequest struct {
	Op    string            `json:"op"`
	Args  []controlArgument `json:"args,omitempty"`
	Token string            `json:"token,omitempty"`
}

type frameEnvelope struct {
	Channel    string          `json:"channel"`
	Instrument string          `json:"instrument"`
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
}

// JSONCodec implements Codec with a plain JSON envelope of the shape most
// exchange private feeds use: {"op": ..., "args": [...]} requests and
// {"channel": ..., "instrument": ..., "data": ...} frames.
type JSONCodec struct{}

// EncodeSubscribe implements Codec.
func (JSONCodec) EncodeSubscribe(descs []Descriptor, token string) ([]byte, error) {
	return encodeControl("subscribe", descs, token)
}

// EncodeUnsubscribe implements Codec.
func (JSONCodec) EncodeUnsubscribe(descs []Descriptor) ([]byte, error) {
	return encodeControl("unsubscribe", descs, "")
}

// EncodePing implements Codec.
func (JSONCodec) EncodePing() ([]byte, bool) {
	return []byte(`{"op":"ping"}`), true
}

// Route implements Codec.
func (JSONCodec) Route(frame []byte) (string, []byte, error) {
	trimmed := strings.TrimSpace(string(frame))
	if trimmed == "" || trimmed == "pong" {
		return "", nil, nil
	}
	var envelope frameEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return "", nil, errs.New("stream", errs.CodeParse,
			errs.WithMessage("decode frame"), errs.WithCause(err))
	}
	switch envelope.Event {
	case "", "update", "snapshot":
	default:
		// Acks, pongs and exchange notices carry no routable payload.
		return "", nil, nil
	}
	if envelope.Channel == "" || len(envelope.Data) == 0 {
		return "", nil, nil
	}
	desc := Descriptor{Channel: ChannelKind(envelope.Channel), Instrument: envelope.Instrument}
	return desc.Key(), envelope.Data, nil
}

func encodeControl(op string, descs []Descriptor, token string) ([]byte, error) {
	req := controlRequest{Op: op, Token: token}
	for _, d := range descs {
		req.Args = append(req.Args, controlArgument{
			Channel:    strings.ToLower(string(d.Channel)),
			Instrument: strings.ToUpper(d.Instrument),
		})
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errs.New("stream", errs.CodeInvalid,
			errs.WithMessage("marshal "+op+" request"), errs.WithCause(err))
	}
	return data, nil
}

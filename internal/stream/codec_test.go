package stream

import (
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/kestrelhq/ordersync/errs"
)

func TestDescriptorKey(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
		want string
	}{
		{"channel only", Descriptor{Channel: ChannelOrders}, "orders|"},
		{"instrument upper-cased", Descriptor{Channel: ChannelOrders, Instrument: "btc-usdt"}, "orders|BTC-USDT"},
		{"channel lower-cased", Descriptor{Channel: "ORDERS", Instrument: "BTC-USDT"}, "orders|BTC-USDT"},
		{"whitespace trimmed", Descriptor{Channel: " orders ", Instrument: " eth-usdt "}, "orders|ETH-USDT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.desc.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJSONCodecEncodeSubscribe(t *testing.T) {
	codec := JSONCodec{}
	data, err := codec.EncodeSubscribe([]Descriptor{
		{Channel: ChannelOrders, Instrument: "btc-usdt"},
		{Channel: ChannelTrades},
	}, "tok-1")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var req controlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Op != "subscribe" || req.Token != "tok-1" {
		t.Fatalf("req = %+v", req)
	}
	if len(req.Args) != 2 || req.Args[0].Instrument != "BTC-USDT" {
		t.Fatalf("args = %+v", req.Args)
	}
}

func TestJSONCodecRoute(t *testing.T) {
	codec := JSONCodec{}

	tests := []struct {
		name      string
		frame     string
		wantKey   string
		wantData  string
		wantErr   bool
	}{
		{
			name:     "order update",
			frame:    `{"channel":"orders","instrument":"BTC-USDT","event":"update","data":{"orderId":"o-1"}}`,
			wantKey:  "orders|BTC-USDT",
			wantData: `{"orderId":"o-1"}`,
		},
		{
			name:    "subscribe ack ignored",
			frame:   `{"event":"subscribed","channel":"orders"}`,
			wantKey: "",
		},
		{
			name:    "bare pong ignored",
			frame:   "pong",
			wantKey: "",
		},
		{
			name:    "empty data ignored",
			frame:   `{"channel":"orders","instrument":"BTC-USDT"}`,
			wantKey: "",
		},
		{
			name:    "malformed frame",
			frame:   `{"channel":`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, payload, err := codec.Route([]byte(tt.frame))
			if tt.wantErr {
				if !errs.IsCode(err, errs.CodeParse) {
					t.Fatalf("err = %v, want parse envelope", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("route: %v", err)
			}
			if key != tt.wantKey {
				t.Errorf("key = %q, want %q", key, tt.wantKey)
			}
			if tt.wantData != "" && strings.TrimSpace(string(payload)) != tt.wantData {
				t.Errorf("payload = %s, want %s", payload, tt.wantData)
			}
		})
	}
}

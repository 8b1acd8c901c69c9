package fake

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/ordersync/config"
	"github.com/kestrelhq/ordersync/errs"
	"github.com/kestrelhq/ordersync/internal/schema"
	"github.com/kestrelhq/ordersync/internal/stream"
)

func submitSpec() schema.OrderSpec {
	return schema.OrderSpec{
		Scope:      "acct-1",
		Instrument: "BTC-USDT",
		Side:       schema.SideBuy,
		Type:       schema.TypeLimit,
		Price:      decimal.NewFromInt(100),
		Amount:     decimal.NewFromInt(2),
		ClientRef:  "ref-1",
	}
}

func TestSubmitCancelLifecycle(t *testing.T) {
	ex := NewExchange()
	ctx := context.Background()

	ack, err := ex.SubmitOrder(ctx, submitSpec())
	require.NoError(t, err)
	require.NotEmpty(t, ack.OrderID)
	require.Equal(t, schema.StatusNew, ack.Status)

	open, err := ex.FetchOpenOrders(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, schema.StatusOpen, open[0].Status)

	require.NoError(t, ex.CancelOrder(ctx, "acct-1", ack.OrderID))
	open, err = ex.FetchOpenOrders(ctx, "acct-1")
	require.NoError(t, err)
	require.Empty(t, open)

	err = ex.CancelOrder(ctx, "acct-1", ack.OrderID)
	require.True(t, errs.IsCode(err, errs.CodeConflict), "second cancel: %v", err)
}

func TestFillProgression(t *testing.T) {
	ex := NewExchange()
	ctx := context.Background()

	ack, err := ex.SubmitOrder(ctx, submitSpec())
	require.NoError(t, err)

	require.NoError(t, ex.Fill(ack.OrderID, decimal.NewFromInt(1)))
	open, err := ex.FetchOpenOrders(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, schema.StatusPartiallyFilled, open[0].Status)

	require.NoError(t, ex.Fill(ack.OrderID, decimal.NewFromInt(1)))
	open, err = ex.FetchOpenOrders(ctx, "acct-1")
	require.NoError(t, err)
	require.Empty(t, open, "filled order still listed as open")
}

func TestDeltasFlowThroughStreamConnection(t *testing.T) {
	ex := NewExchange()
	conn := stream.NewConnection(config.StreamSettings{
		URL:         "wss://fake.test/stream",
		FrameBuffer: 16,
	}, stream.JSONCodec{},
		stream.WithDialer(ex.Dialer()),
		stream.WithAuthProvider(ex))
	defer func() { _ = conn.Disconnect(context.Background()) }()

	frames, err := conn.Subscribe(context.Background(), stream.Descriptor{
		Channel:    stream.ChannelOrders,
		Instrument: "BTC-USDT",
	})
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))

	ack, err := ex.SubmitOrder(context.Background(), submitSpec())
	require.NoError(t, err)

	select {
	case payload := <-frames:
		evt, parseErr := ParseOrderEvent(payload)
		require.NoError(t, parseErr)
		require.Equal(t, ack.OrderID, evt.OrderID)
		require.Equal(t, "acct-1", evt.Scope)
		require.Equal(t, schema.StatusOpen, evt.Status)
		require.NotNil(t, evt.Price)
		require.True(t, evt.Price.Equal(decimal.NewFromInt(100)))
		require.NotZero(t, evt.Seq, "feed deltas carry a sequence hint")
	case <-time.After(2 * time.Second):
		t.Fatal("no delta delivered for submitted order")
	}
}

func TestParseOrderEventRejectsGarbage(t *testing.T) {
	_, err := ParseOrderEvent([]byte("{not json"))
	require.True(t, errs.IsCode(err, errs.CodeParse), "err = %v", err)

	_, err = ParseOrderEvent([]byte(`{"scope":"acct-1"}`))
	require.Error(t, err, "missing order id must be rejected")
}

func TestParseOrderEventFillDelta(t *testing.T) {
	evt, err := ParseOrderEvent([]byte(`{"scope":"acct-1","orderId":"fo-1","fillDelta":"0.25","status":"PARTIALLY_FILLED","ts":1700000000000,"seq":7}`))
	require.NoError(t, err)
	require.NotNil(t, evt.FillDelta)
	require.True(t, evt.FillDelta.Equal(decimal.RequireFromString("0.25")))
	require.Equal(t, schema.StatusPartiallyFilled, evt.Status)
	require.False(t, evt.Timestamp.IsZero())
	require.Equal(t, uint64(7), evt.Seq)
}

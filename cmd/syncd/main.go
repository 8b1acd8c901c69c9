// Command syncd runs the order synchronization daemon: it keeps a local
// order cache warm from REST snapshots and websocket deltas and logs the
// synchronized view. It runs against the in-memory exchange; real venues
// plug in through the exchange interfaces.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrelhq/ordersync/config"
	"github.com/kestrelhq/ordersync/internal/adapters/fake"
	"github.com/kestrelhq/ordersync/internal/facade"
	"github.com/kestrelhq/ordersync/internal/observability"
	"github.com/kestrelhq/ordersync/internal/ordercache"
	"github.com/kestrelhq/ordersync/internal/rategate"
	"github.com/kestrelhq/ordersync/internal/reconcile"
	"github.com/kestrelhq/ordersync/internal/schema"
	"github.com/kestrelhq/ordersync/internal/stream"
	"github.com/kestrelhq/ordersync/lib/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config overlay")
	scopesFlag := flag.String("scopes", "acct-1", "Comma-separated account scopes to synchronize")
	demo := flag.Bool("demo", false, "Generate demo order activity against the fake exchange")
	flag.Parse()

	cfg := config.FromEnv()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath, cfg)
		if err != nil {
			log.Fatalf("load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := observability.NewRotatingLogger(cfg.Logging)
	observability.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			observability.Log().Warn("telemetry shutdown failed",
				observability.F("error", err.Error()))
		}
	}()

	scopes := splitScopes(*scopesFlag)
	if len(scopes) == 0 {
		log.Fatal("at least one scope is required")
	}

	exchange := fake.NewExchange()
	gate := rategate.New(cfg.RateLimit)
	cache := ordercache.New(ordercache.ConfigFrom(cfg.Cache, cfg.Reconcile))
	defer cache.Close()

	conn := stream.NewConnection(cfg.Stream, stream.JSONCodec{},
		stream.WithDialer(exchange.Dialer()),
		stream.WithAuthProvider(exchange))

	frames, err := conn.Subscribe(ctx, stream.Descriptor{Channel: stream.ChannelOrders})
	if err != nil {
		log.Fatalf("subscribe orders channel: %v", err)
	}

	scheduler := reconcile.NewScheduler(cfg.Reconcile, scopes, exchange, gate, cache,
		reconcile.WithConnectivity(conn.ConnectivityChanges()))
	service := facade.NewService(cache, exchange, gate)

	go drainFrames(frames, cache)
	go drainErrors(conn.Errs())

	if err := conn.Connect(ctx); err != nil {
		// The connect loop keeps retrying with backoff; reconciliation
		// still serves snapshots meanwhile.
		observability.Log().Warn("initial stream connect failed",
			observability.F("error", err.Error()))
	}
	scheduler.Start()

	observability.Log().Info("syncd started",
		observability.F("environment", cfg.Environment),
		observability.F("scopes", strings.Join(scopes, ",")))

	go reportLoop(ctx, service, scopes)
	if *demo {
		go demoLoop(ctx, service, exchange, scopes[0])
	}

	<-ctx.Done()
	observability.Log().Info("shutting down")

	scheduler.Stop()
	disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Disconnect(disconnectCtx); err != nil {
		observability.Log().Warn("stream disconnect failed",
			observability.F("error", err.Error()))
	}
}

func splitScopes(raw string) []string {
	var scopes []string
	for _, scope := range strings.Split(raw, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}

// drainFrames decodes routed frames into deltas and feeds the cache.
func drainFrames(frames <-chan []byte, cache *ordercache.Cache) {
	for payload := range frames {
		evt, err := fake.ParseOrderEvent(payload)
		if err != nil {
			observability.Log().Warn("dropping undecodable delta",
				observability.F("error", err.Error()))
			continue
		}
		if err := cache.ApplyEvent(evt); err != nil {
			observability.Log().Warn("delta rejected",
				observability.F("order_id", evt.OrderID),
				observability.F("error", err.Error()))
		}
	}
}

func drainErrors(errCh <-chan error) {
	for err := range errCh {
		observability.Log().Warn("stream error",
			observability.F("error", err.Error()))
	}
}

// reportLoop periodically logs the synchronized view per scope.
func reportLoop(ctx context.Context, service *facade.Service, scopes []string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, scope := range scopes {
				orders, err := service.OpenOrders(ctx, scope)
				if err != nil {
					observability.Log().Warn("open orders read failed",
						observability.F("scope", scope),
						observability.F("error", err.Error()))
					continue
				}
				observability.Log().Info("scope status",
					observability.F("scope", scope),
					observability.F("state", service.State(scope).String()),
					observability.F("open_orders", len(orders)))
			}
		}
	}
}

// demoLoop generates order activity so a local run has something to sync.
func demoLoop(ctx context.Context, service *facade.Service, exchange *fake.Exchange, scope string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ack, err := service.PlaceOrder(ctx, schema.OrderSpec{
				Scope:      scope,
				Instrument: "BTC-USDT",
				Side:       schema.SideBuy,
				Type:       schema.TypeLimit,
				Price:      decimal.NewFromInt(100),
				Amount:     decimal.NewFromInt(2),
			})
			if err != nil {
				observability.Log().Warn("demo order rejected",
					observability.F("error", err.Error()))
				continue
			}
			if err := exchange.Fill(ack.OrderID, decimal.NewFromInt(1)); err != nil {
				observability.Log().Warn("demo fill failed",
					observability.F("error", err.Error()))
			}
		}
	}
}

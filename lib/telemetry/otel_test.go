package telemetry

import (
	"context"
	"testing"

	"github.com/kestrelhq/ordersync/config"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	provider, shutdown, err := Init(context.Background(), config.TelemetrySettings{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if provider == nil {
		t.Fatal("expected provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name         string
		endpoint     string
		wantHost     string
		wantInsecure bool
		wantErr      bool
	}{
		{"bare host", "collector:4318", "collector:4318", true, false},
		{"http scheme", "http://collector:4318", "collector:4318", true, false},
		{"https scheme", "https://collector:4318", "collector:4318", false, false},
		{"grpc scheme", "grpc://collector:4317", "", false, true},
		{"missing host", "http://", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, insecure, err := parseEndpoint(tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if host != tt.wantHost || insecure != tt.wantInsecure {
				t.Errorf("got (%q, %v), want (%q, %v)", host, insecure, tt.wantHost, tt.wantInsecure)
			}
		})
	}
}

package gateway

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"recambio/pkg/bus"
	"recambio/pkg/config"
	"recambio/pkg/orders"
	"recambio/pkg/reconcile"
)

func TestIsReady(t *testing.T) {
	t.Parallel()

	svc := &Service{
		cfg:           config.DefaultConfig(),
		channelStates: map[string]channelState{"telegram": {Running: true}},
	}
	if svc.isReady() {
		t.Fatal("expected not ready without provider health")
	}

	svc.providerLastOKAt = time.Now().UTC()
	if !svc.isReady() {
		t.Fatal("expected ready with running channel and healthy provider")
	}

	svc.providerLastErr = "boom"
	if svc.isReady() {
		t.Fatal("expected not ready when provider has error")
	}
}

func TestIsReadyWithWebhookOnly(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Gateway.Webhook = true
	svc := &Service{cfg: cfg, channelStates: map[string]channelState{}, providerLastOKAt: time.Now().UTC()}
	if !svc.isReady() {
		t.Fatal("expected webhook-only gateway to be ready")
	}

	cfg.Gateway.Webhook = false
	if svc.isReady() {
		t.Fatal("expected gateway without any ingress to be not ready")
	}
}

func TestContactFor(t *testing.T) {
	t.Parallel()

	if got := contactFor(bus.InboundMessage{Channel: "telegram", SenderID: " 42 "}); got != "telegram:42" {
		t.Fatalf("contactFor = %q, want telegram:42", got)
	}
	if got := contactFor(bus.InboundMessage{SenderID: "taller-pepe"}); got != "http:taller-pepe" {
		t.Fatalf("contactFor = %q, want http:taller-pepe", got)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	if got := summarize(reconcile.Result{}); !strings.Contains(got, "No hay pedidos") {
		t.Fatalf("empty summary = %q", got)
	}

	got := summarize(reconcile.Result{Orders: []orders.Order{{
		VehiclePlate: "1234ABC",
		VehicleBrand: "Seat",
		VehicleModel: "Ibiza",
		Status:       orders.StatusPendingPrice,
		Requirements: []string{"pastillas de freno", "filtro de aire"},
	}}})
	want := "- 1234ABC (Seat Ibiza) [Pending-Price]: pastillas de freno, filtro de aire"
	if !strings.Contains(got, want) {
		t.Fatalf("summary = %q, want line %q", got, want)
	}
}

func TestStatusForCategory(t *testing.T) {
	t.Parallel()

	tests := map[string]int{
		orders.ErrorExtractionUnavailable: http.StatusBadGateway,
		orders.ErrorExtractionMalformed:   http.StatusUnprocessableEntity,
		orders.ErrorLedgerWriteConflict:   http.StatusConflict,
		orders.ErrorLedgerWrite:           http.StatusInternalServerError,
		orders.ErrorInternal:              http.StatusInternalServerError,
	}
	for category, want := range tests {
		if got := statusForCategory(category); got != want {
			t.Fatalf("statusForCategory(%q) = %d, want %d", category, got, want)
		}
	}
}

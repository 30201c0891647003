package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"recambio/pkg/bus"
	"recambio/pkg/orders"
	"recambio/pkg/store"
)

const maxWebhookBodyBytes = 64 << 20

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}

type reconcileResponse struct {
	ClientID  string         `json:"client_id"`
	Orders    []orders.Order `json:"orders"`
	Created   []string       `json:"created"`
	Updated   []string       `json:"updated"`
	Unchanged []string       `json:"unchanged"`
	Skipped   int            `json:"skipped"`
	Model     string         `json:"model,omitempty"`
}

// Handler serves status, metrics, the optional webhook ingress and the
// read-only ledger API.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", s.metrics.Handler())

	if s.cfg.Gateway.Webhook {
		mux.HandleFunc("POST /v1/messages", s.handleWebhook)
	}

	mux.HandleFunc("GET /v1/clients", s.handleListClients)
	mux.HandleFunc("GET /v1/clients/{id}/orders", s.handleListOrders)
	mux.HandleFunc("GET /v1/clients/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /v1/clients/{id}/reconcile", s.handleReconcile)
	return mux
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var inbound bus.InboundMessage
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err := decoder.Decode(&inbound); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(inbound.Channel) == "" {
		inbound.Channel = "http"
	}

	outbound, err := s.handleInbound(r.Context(), inbound)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrEmptyMessage) || strings.TrimSpace(inbound.SenderID) == "" {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, outbound)
}

func (s *Service) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients(r.Context(), s.cfg.Vendor.OwnerID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(clients))
}

func (s *Service) handleListOrders(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.ownedClient(w, r)
	if !ok {
		return
	}

	var (
		list []orders.Order
		err  error
	)
	if plate := r.URL.Query().Get("plate"); plate != "" {
		list, err = s.store.ListByPlate(r.Context(), clientID, plate)
	} else {
		list, err = s.store.List(r.Context(), clientID)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(list))
}

func (s *Service) handleListMessages(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.ownedClient(w, r)
	if !ok {
		return
	}

	history, err := s.store.History(r.Context(), clientID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(history))
}

func (s *Service) handleReconcile(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.ownedClient(w, r)
	if !ok {
		return
	}

	result, err := s.engine.ReconcileClient(r.Context(), clientID)
	if err != nil {
		s.writeError(w, statusForCategory(orders.CategoryFromError(err)), err)
		return
	}

	s.writeJSON(w, http.StatusOK, reconcileResponse{
		ClientID:  clientID,
		Orders:    nonNil(result.Orders),
		Created:   nonNil(result.Created),
		Updated:   nonNil(result.Updated),
		Unchanged: nonNil(result.Unchanged),
		Skipped:   result.Skipped,
		Model:     result.Metadata.Model,
	})
}

// ownedClient resolves the {id} path value to a client of this vendor.
func (s *Service) ownedClient(w http.ResponseWriter, r *http.Request) (string, bool) {
	client, err := s.store.GetClient(r.Context(), r.PathValue("id"))
	if err == nil && client.OwnerID != s.cfg.Vendor.OwnerID {
		err = store.ErrClientNotFound
	}
	if errors.Is(err, store.ErrClientNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return "", false
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return "", false
	}
	return client.ID, true
}

func statusForCategory(category string) int {
	switch category {
	case orders.ErrorExtractionUnavailable:
		return http.StatusBadGateway
	case orders.ErrorExtractionMalformed:
		return http.StatusUnprocessableEntity
	case orders.ErrorLedgerWriteConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write response", "error", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, statusCode int, err error) {
	category := ""
	if statusCode >= http.StatusInternalServerError || statusCode == http.StatusUnprocessableEntity || statusCode == http.StatusConflict {
		category = orders.CategoryFromError(err)
	}
	s.writeJSON(w, statusCode, errorResponse{Error: err.Error(), Category: category})
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}

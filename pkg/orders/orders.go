// Package orders holds the purchase-order domain shared by the conversation
// store, the extraction adapters and the reconciliation engine.
package orders

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the workflow state of a persisted order.
type Status string

// StatusPendingPrice is the only status reconciliation ever sets. Later
// statuses (quoted, fulfilled, ...) belong to downstream workflows.
const StatusPendingPrice Status = "Pending-Price"

// Client is a vendor's counterparty, identified by (OwnerID, Contact).
type Client struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Contact   string    `json:"contact"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one inbound chat message. Messages are immutable once stored.
type Message struct {
	ID        uuid.UUID `json:"id"`
	ClientID  string    `json:"client_id"`
	Content   string    `json:"content"`
	Media     []string  `json:"media,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMedia reports whether the message carries attachment references.
func (m Message) HasMedia() bool {
	return len(m.Media) > 0
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	m.Media = slices.Clone(m.Media)
	return m
}

// CandidateOrder is one order proposed by an extraction run. It is never
// persisted as-is; it is merged into the ledger.
type CandidateOrder struct {
	VehiclePlate  string   `json:"vehicle_plate" validate:"required,max=32"`
	VehicleBrand  string   `json:"vehicle_brand" validate:"max=64"`
	VehicleModel  string   `json:"vehicle_model" validate:"max=64"`
	VehicleFrame  string   `json:"vehicle_frame" validate:"max=64"`
	Requirements  []string `json:"requirements" validate:"dive,required,max=512"`
	EvidenceMedia []string `json:"evidence_media"`
}

// Order is the persisted, plate-keyed record of parts requested for one
// vehicle. Identity is (ClientID, VehiclePlate); ID is a surrogate.
type Order struct {
	ID            uuid.UUID `json:"id"`
	ClientID      string    `json:"client_id"`
	VehiclePlate  string    `json:"vehicle_plate"`
	VehicleBrand  string    `json:"vehicle_brand"`
	VehicleModel  string    `json:"vehicle_model"`
	VehicleFrame  string    `json:"vehicle_frame,omitempty"`
	Status        Status    `json:"status"`
	Requirements  []string  `json:"requirements"`
	EvidenceMedia []string  `json:"evidence_media,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no slices with o.
func (o Order) Clone() Order {
	o.Requirements = slices.Clone(o.Requirements)
	o.EvidenceMedia = slices.Clone(o.EvidenceMedia)
	return o
}

// Matches reports whether applying c to o would change nothing. Evidence is
// a set: order and repeats do not count as a change.
func (o Order) Matches(c CandidateOrder) bool {
	return o.Status == StatusPendingPrice &&
		o.VehicleBrand == c.VehicleBrand &&
		o.VehicleModel == c.VehicleModel &&
		o.VehicleFrame == c.VehicleFrame &&
		slices.Equal(o.Requirements, c.Requirements) &&
		SameEvidence(o.EvidenceMedia, c.EvidenceMedia)
}

// SameEvidence compares two evidence lists as sets.
func SameEvidence(a []string, b []string) bool {
	return slices.Equal(EvidenceSet(a), EvidenceSet(b))
}

// EvidenceSet returns the sorted, de-duplicated references of refs.
func EvidenceSet(refs []string) []string {
	if len(refs) == 0 {
		return nil
	}
	return slices.Compact(slices.Sorted(slices.Values(refs)))
}

// Overwrite replaces the order's extracted fields with the candidate's and
// resets the status. Requirements are replaced, never unioned.
func (o *Order) Overwrite(c CandidateOrder, at time.Time) {
	o.Status = StatusPendingPrice
	o.VehicleBrand = c.VehicleBrand
	o.VehicleModel = c.VehicleModel
	o.VehicleFrame = c.VehicleFrame
	o.Requirements = slices.Clone(c.Requirements)
	o.EvidenceMedia = slices.Clone(c.EvidenceMedia)
	o.UpdatedAt = at
}

// NewOrder builds a fresh Pending-Price order from a candidate.
func NewOrder(clientID string, c CandidateOrder, at time.Time) Order {
	o := Order{
		ID:           uuid.New(),
		ClientID:     clientID,
		VehiclePlate: c.VehiclePlate,
		CreatedAt:    at,
	}
	o.Overwrite(c, at)
	return o
}

// NormalizePlate returns the identity form of a licence plate: upper case
// with spaces, hyphens and dots removed.
func NormalizePlate(plate string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(plate)) {
		switch r {
		case ' ', '-', '.', '\t':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SortOrders orders a ledger snapshot by creation time, then id.
func SortOrders(list []Order) {
	slices.SortStableFunc(list, func(a, b Order) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
}

// SortMessages orders a history by creation time, then id.
func SortMessages(list []Message) {
	slices.SortStableFunc(list, func(a, b Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
}

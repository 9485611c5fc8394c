// Package session implements the per-connection message loop: framed
// request decoding, dispatch to the cache engine or subscription
// registry, and serialized response/notification writes.
package session

import (
	"encoding/json"

	"github.com/rizwan4701798/cacheserver/internal/events"
)

// Operation names the branch a Request selects, per spec.md §4.4.
type Operation string

const (
	OpCreate      Operation = "Create"
	OpRead        Operation = "Read"
	OpUpdate      Operation = "Update"
	OpDelete      Operation = "Delete"
	OpSubscribe   Operation = "Subscribe"
	OpUnsubscribe Operation = "Unsubscribe"
)

// Request is one client message, per the wire protocol of spec.md §6.
type Request struct {
	Operation            Operation `json:"Operation"`
	Key                  string    `json:"Key,omitempty"`
	Value                any       `json:"Value,omitempty"`
	ExpirationSeconds    *int      `json:"ExpirationSeconds,omitempty"`
	SubscribedEventTypes []string  `json:"SubscribedEventTypes,omitempty"`
}

// Response is one server message: either the reply to a Request, or an
// asynchronous notification (IsNotification true, Event populated).
//
// Value is only ever meant to appear on a Read reply, where a miss or an
// expired key must still serialize the field as a literal null
// (spec.md §8 S1/S3) rather than vanish the way a plain `any` field
// tagged omitempty would (a nil interface counts as empty). hasValue
// marks that case so MarshalJSON can choose between two field sets
// instead of relying on omitempty to decide.
type Response struct {
	Success        bool
	Value          any
	Error          string
	IsNotification bool
	Event          *events.Event

	hasValue bool
}

// ReadResponse builds the Response for a Read, always carrying Value —
// including an explicit null when v is nil.
func ReadResponse(v any) Response {
	return Response{Success: true, Value: v, hasValue: true}
}

func (r Response) MarshalJSON() ([]byte, error) {
	if r.hasValue {
		return json.Marshal(struct {
			Success        bool          `json:"Success"`
			Value          any           `json:"Value"`
			Error          string        `json:"Error,omitempty"`
			IsNotification bool          `json:"IsNotification"`
			Event          *events.Event `json:"Event,omitempty"`
		}{r.Success, r.Value, r.Error, r.IsNotification, r.Event})
	}
	return json.Marshal(struct {
		Success        bool          `json:"Success"`
		Error          string        `json:"Error,omitempty"`
		IsNotification bool          `json:"IsNotification"`
		Event          *events.Event `json:"Event,omitempty"`
	}{r.Success, r.Error, r.IsNotification, r.Event})
}

func eventTypes(names []string) []events.Type {
	out := make([]events.Type, 0, len(names))
	for _, n := range names {
		out = append(out, events.Type(n))
	}
	return out
}

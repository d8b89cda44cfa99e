// Package rpc exposes an engine over a websocket. Each text frame from the
// client is a Request; the server answers every request with one Response
// carrying the same id, and interleaves Push frames for the connection's
// subscriptions.
//
// Failures never close the connection. They come back as the error member
// of the response, coded the same way as command results.
package rpc

import (
	"encoding/json"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

// Services.
const (
	ServiceQuery      = "query"
	ServiceMutation   = "mutation"
	ServiceObservable = "observable"
)

// Request is a client call.
type Request struct {
	ID      string          `json:"id"`
	Service string          `json:"service"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers the Request with the same ID. Exactly one of Result and
// Error is set.
type Response struct {
	ID     string             `json:"id"`
	Result any                `json:"result,omitempty"`
	Error  *types.ResultError `json:"error,omitempty"`
}

// Push carries a batch for a subscription owned by the connection. Event is
// a types.SubTreeChanges or a types.WorkingCopyChanges.
type Push struct {
	Subscription types.SubscriptionID `json:"subscription"`
	Event        any                  `json:"event"`
}

// frame is what the client reads: a response or a push, told apart by the
// presence of subscription.
type frame struct {
	ID           string               `json:"id,omitempty"`
	Result       json.RawMessage      `json:"result,omitempty"`
	Error        *types.ResultError   `json:"error,omitempty"`
	Subscription types.SubscriptionID `json:"subscription,omitempty"`
	Event        json.RawMessage      `json:"event,omitempty"`
}

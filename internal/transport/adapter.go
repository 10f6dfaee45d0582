// Package transport talks to the telephony provider: outbound call control
// over REST, webhook parsing, TwiML rendering and the Media Streams codec.
package transport

import (
	"context"

	"github.com/ent0n29/callbridge/internal/calls"
)

// Adapter is the call-control surface consumed by lifecycle and escalation.
type Adapter interface {
	MakeCall(ctx context.Context, req OutboundCall) (ProviderCall, error)
	UpdateCall(ctx context.Context, sid string, update CallUpdate) error
	GetCall(ctx context.Context, sid string) (ProviderCall, error)
}

type OutboundCall struct {
	To   string
	From string
	// URL is fetched by the provider for call instructions. Twiml, when set,
	// is used inline instead.
	URL            string
	Twiml          string
	StatusCallback string
	Timeout        int
}

// ProviderCall is the provider's view of a call.
type ProviderCall struct {
	SID            string
	ProviderStatus string
	// Status is the mapped internal status, empty when the provider status
	// has no mapping.
	Status    calls.Status
	Direction string
	From      string
	To        string
}

// CallUpdate redirects or ends a live call. Status "completed" hangs up.
type CallUpdate struct {
	Status string
	Twiml  string
	URL    string
}

var _ Adapter = (*Client)(nil)

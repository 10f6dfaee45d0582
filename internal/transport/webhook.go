package transport

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/callbridge/internal/calls"
)

const SignatureHeader = "X-Twilio-Signature"

var ErrInvalidWebhook = errors.New("invalid webhook payload")

// StatusEvent is a validated call status callback.
type StatusEvent struct {
	CallSID        string
	Status         calls.Status
	ProviderStatus string
	Direction      calls.Direction
	From           string
	To             string
	Timestamp      time.Time
	// SequenceNumber is -1 when the provider did not send one.
	SequenceNumber int
}

// InboundCall is the payload of the voice webhook for a new call.
type InboundCall struct {
	CallSID string
	From    string
	To      string
	Status  string
}

// VerifySignature checks an X-Twilio-Signature value: base64 HMAC-SHA1 of
// the full request URL followed by every POST parameter, sorted by name.
func VerifySignature(authToken, fullURL string, form url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := ComputeSignature(authToken, fullURL, form)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func ComputeSignature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ParseStatusCallback validates a status callback form. An unknown
// CallStatus yields an error wrapping ErrUnmappedStatus.
func ParseStatusCallback(form url.Values) (StatusEvent, error) {
	sid := strings.TrimSpace(form.Get("CallSid"))
	if sid == "" {
		return StatusEvent{}, fmt.Errorf("%w: missing CallSid", ErrInvalidWebhook)
	}
	raw := strings.TrimSpace(form.Get("CallStatus"))
	if raw == "" {
		return StatusEvent{}, fmt.Errorf("%w: missing CallStatus", ErrInvalidWebhook)
	}
	status, err := MapStatus(raw)
	if err != nil {
		return StatusEvent{}, err
	}

	ev := StatusEvent{
		CallSID:        sid,
		Status:         status,
		ProviderStatus: raw,
		Direction:      parseDirection(form.Get("Direction")),
		From:           form.Get("From"),
		To:             form.Get("To"),
		Timestamp:      time.Now().UTC(),
		SequenceNumber: -1,
	}
	if ts := strings.TrimSpace(form.Get("Timestamp")); ts != "" {
		parsed, err := time.Parse(time.RFC1123Z, ts)
		if err != nil {
			return StatusEvent{}, fmt.Errorf("%w: bad Timestamp %q", ErrInvalidWebhook, ts)
		}
		ev.Timestamp = parsed.UTC()
	}
	if seq := strings.TrimSpace(form.Get("SequenceNumber")); seq != "" {
		n, err := strconv.Atoi(seq)
		if err != nil || n < 0 {
			return StatusEvent{}, fmt.Errorf("%w: bad SequenceNumber %q", ErrInvalidWebhook, seq)
		}
		ev.SequenceNumber = n
	}
	return ev, nil
}

func ParseInboundCall(form url.Values) (InboundCall, error) {
	in := InboundCall{
		CallSID: strings.TrimSpace(form.Get("CallSid")),
		From:    form.Get("From"),
		To:      form.Get("To"),
		Status:  form.Get("CallStatus"),
	}
	if in.CallSID == "" {
		return InboundCall{}, fmt.Errorf("%w: missing CallSid", ErrInvalidWebhook)
	}
	return in, nil
}

// Twilio reports "outbound-api" and "outbound-dial" for calls we placed.
func parseDirection(v string) calls.Direction {
	if strings.HasPrefix(strings.ToLower(v), "outbound") {
		return calls.DirectionOutbound
	}
	return calls.DirectionInbound
}

package transport

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/ent0n29/callbridge/internal/calls"
)

func TestMapStatus(t *testing.T) {
	cases := map[string]calls.Status{
		"queued":      calls.StatusInitiated,
		"initiated":   calls.StatusInitiated,
		"ringing":     calls.StatusRinging,
		"in-progress": calls.StatusInProgress,
		"answered":    calls.StatusInProgress,
		"completed":   calls.StatusCompleted,
		"busy":        calls.StatusFailed,
		"no-answer":   calls.StatusFailed,
		"failed":      calls.StatusFailed,
		"canceled":    calls.StatusFailed,
	}
	for raw, want := range cases {
		got, err := MapStatus(raw)
		if err != nil || got != want {
			t.Fatalf("MapStatus(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	if _, err := MapStatus("on-hold"); !errors.Is(err, ErrUnmappedStatus) {
		t.Fatalf("MapStatus(on-hold) error = %v, want ErrUnmappedStatus", err)
	}
}

func TestVerifySignature(t *testing.T) {
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}, "From": {"+1555"}}
	endpoint := "https://bridge.example.com/webhooks/twilio/status"
	sig := ComputeSignature("token", endpoint, form)

	if !VerifySignature("token", endpoint, form, sig) {
		t.Fatalf("VerifySignature() = false for matching signature")
	}
	if VerifySignature("other", endpoint, form, sig) {
		t.Fatalf("VerifySignature() = true with wrong token")
	}
	form.Set("CallStatus", "completed")
	if VerifySignature("token", endpoint, form, sig) {
		t.Fatalf("VerifySignature() = true after tampering")
	}
	if VerifySignature("token", endpoint, form, "") {
		t.Fatalf("VerifySignature() = true with empty signature")
	}
}

func TestParseStatusCallback(t *testing.T) {
	form := url.Values{
		"CallSid":        {"CA9"},
		"CallStatus":     {"in-progress"},
		"Direction":      {"outbound-api"},
		"Timestamp":      {"Tue, 01 Oct 2024 10:00:00 +0000"},
		"SequenceNumber": {"2"},
	}
	ev, err := ParseStatusCallback(form)
	if err != nil {
		t.Fatalf("ParseStatusCallback() error = %v", err)
	}
	if ev.Status != calls.StatusInProgress || ev.Direction != calls.DirectionOutbound || ev.SequenceNumber != 2 {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Timestamp.Hour() != 10 {
		t.Fatalf("Timestamp = %v", ev.Timestamp)
	}

	bad := []url.Values{
		{"CallStatus": {"ringing"}},
		{"CallSid": {"CA1"}},
		{"CallSid": {"CA1"}, "CallStatus": {"ringing"}, "SequenceNumber": {"x"}},
		{"CallSid": {"CA1"}, "CallStatus": {"ringing"}, "Timestamp": {"yesterday"}},
	}
	for _, f := range bad {
		if _, err := ParseStatusCallback(f); !errors.Is(err, ErrInvalidWebhook) {
			t.Fatalf("ParseStatusCallback(%v) error = %v, want ErrInvalidWebhook", f, err)
		}
	}
	if _, err := ParseStatusCallback(url.Values{"CallSid": {"CA1"}, "CallStatus": {"paused"}}); !errors.Is(err, ErrUnmappedStatus) {
		t.Fatalf("unmapped status error = %v", err)
	}
}

func TestTwiMLEscapes(t *testing.T) {
	got := SayAndHangupTwiML(`Sorry <we> "can't" & won't`)
	if strings.Contains(got, "<we>") || !strings.Contains(got, "&lt;we&gt;") || !strings.HasSuffix(got, "<Hangup/></Response>") {
		t.Fatalf("SayAndHangupTwiML() = %s", got)
	}
	stream := ConnectStreamTwiML("wss://bridge.example.com/media-stream", map[string]string{"callId": "a&b"})
	if !strings.Contains(stream, `<Parameter name="callId" value="a&amp;b"/>`) {
		t.Fatalf("ConnectStreamTwiML() = %s", stream)
	}
	if dial := DialTwiML("+15551112222"); !strings.Contains(dial, "<Dial>+15551112222</Dial>") {
		t.Fatalf("DialTwiML() = %s", dial)
	}
}

package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/callbridge/internal/calls"
	"github.com/ent0n29/callbridge/internal/reliability"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(ClientConfig{
		AccountSID: "AC123",
		AuthToken:  "secret",
		BaseURL:    srv.URL,
		FromNumber: "+15550000000",
		PublicURL:  "https://bridge.example.com/",
		Retry:      reliability.Policy{Attempts: 3, Base: time.Millisecond, Cap: 2 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func TestMakeCallSendsFormAndMapsResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Accounts/AC123/Calls.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if got := r.PostForm.Get("From"); got != "+15550000000" {
			t.Errorf("From = %q", got)
		}
		if got := r.PostForm.Get("Url"); got != "https://bridge.example.com/webhooks/twilio/voice" {
			t.Errorf("Url = %q", got)
		}
		if got := r.PostForm["StatusCallbackEvent"]; len(got) != 4 {
			t.Errorf("StatusCallbackEvent = %v", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA1","to":"+15551234567","from":"+15550000000","status":"queued","direction":"outbound-api"}`))
	})

	call, err := client.MakeCall(context.Background(), OutboundCall{To: "+15551234567"})
	if err != nil {
		t.Fatalf("MakeCall() error = %v", err)
	}
	if call.SID != "CA1" || call.Status != calls.StatusInitiated {
		t.Fatalf("MakeCall() = %+v", call)
	}
}

func TestMakeCallDoesNotRetryServerErrors(t *testing.T) {
	var hits atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":20500,"message":"internal","status":500}`))
	})

	_, err := client.MakeCall(context.Background(), OutboundCall{To: "+15551234567"})
	if !errors.Is(err, calls.ErrTransport) {
		t.Fatalf("MakeCall() error = %v, want ErrTransport", err)
	}
	var te *calls.TransportError
	if !errors.As(err, &te) || te.Code != 20500 || te.StatusCode != 500 {
		t.Fatalf("TransportError = %+v", te)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestMakeCallRetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"sid":"CA2","status":"queued"}`))
	})

	call, err := client.MakeCall(context.Background(), OutboundCall{To: "+15551234567"})
	if err != nil {
		t.Fatalf("MakeCall() error = %v", err)
	}
	if call.SID != "CA2" || hits.Load() != 2 {
		t.Fatalf("call = %+v, hits = %d", call, hits.Load())
	}
}

func TestUpdateCallRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = r.ParseForm()
		if r.PostForm.Get("Status") != "completed" {
			t.Errorf("Status = %q", r.PostForm.Get("Status"))
		}
		_, _ = w.Write([]byte(`{"sid":"CA1","status":"completed"}`))
	})

	if err := client.Hangup(context.Background(), "CA1"); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("hits = %d, want 3", hits.Load())
	}
}

func TestUpdateCallNotFoundIsPermanent(t *testing.T) {
	var hits atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":20404,"message":"not found","status":404}`))
	})

	err := client.UpdateCall(context.Background(), "CAx", CallUpdate{Twiml: HangupTwiML()})
	var te *calls.TransportError
	if !errors.As(err, &te) || te.Retryable {
		t.Fatalf("UpdateCall() error = %v, want permanent TransportError", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	if _, err := NewClient(ClientConfig{AuthToken: "x"}); err == nil {
		t.Fatalf("NewClient() error = nil without account sid")
	}
	if _, err := NewClient(ClientConfig{AccountSID: "x"}); err == nil {
		t.Fatalf("NewClient() error = nil without auth token")
	}
}

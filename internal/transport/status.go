package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/callbridge/internal/calls"
)

var ErrUnmappedStatus = errors.New("unmapped provider call status")

// MapStatus translates a provider call status into the internal vocabulary.
func MapStatus(providerStatus string) (calls.Status, error) {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "queued", "initiated":
		return calls.StatusInitiated, nil
	case "ringing":
		return calls.StatusRinging, nil
	case "in-progress", "answered":
		return calls.StatusInProgress, nil
	case "completed":
		return calls.StatusCompleted, nil
	case "busy", "no-answer", "failed", "canceled":
		return calls.StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnmappedStatus, providerStatus)
	}
}

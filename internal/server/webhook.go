// ABOUTME: Inbound gateway webhook endpoint
// ABOUTME: Reads the raw body for signature checks and maps ingest outcomes to status codes

package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389/pairline/internal/store"
	"github.com/2389/pairline/internal/webhook"
)

// maxWebhookBody bounds a single delivery. QR payloads carry base64 images.
const maxWebhookBody = 1 << 20

// handleWebhook processes POST /webhooks/{channelType}. Only failures the
// gateway should retry get a 5xx.
func (a *api) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channelType := store.ChannelType(chi.URLParam(r, "channelType"))

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.sendJSONError(w, http.StatusRequestEntityTooLarge, "invalid_request", "payload too large")
			return
		}
		a.sendJSONError(w, http.StatusBadRequest, "invalid_request", "reading body failed")
		return
	}

	creds := webhook.Credentials{
		Token:     r.Header.Get("X-Webhook-Token"),
		Signature: r.Header.Get("X-Webhook-Signature"),
	}
	if creds.Token == "" {
		creds.Token = r.Header.Get("apikey")
	}

	res, err := a.webhooks.Ingest(r.Context(), channelType, raw, creds)
	switch {
	case errors.Is(err, webhook.ErrInvalidAuth):
		a.logger.Warn("security: webhook authentication failed",
			"channel_type", channelType,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
		a.sendJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook credentials")
	case errors.Is(err, webhook.ErrMalformedPayload):
		a.sendJSONError(w, http.StatusBadRequest, "malformed_payload", err.Error())
	case errors.Is(err, webhook.ErrInFlight):
		w.Header().Set("Retry-After", "1")
		a.sendJSONError(w, http.StatusConflict, "in_flight", "an earlier copy of this delivery is still being processed")
	case err != nil:
		a.logger.Error("webhook processing failed", "channel_type", channelType, "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "internal", "processing failed, retry later")
	default:
		a.writeJSON(w, http.StatusOK, res)
	}
}

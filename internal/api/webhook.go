package api

import (
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client"

	"github.com/LeventeLantos/guest-messaging/internal/reconcile"
)

const signatureHeader = "X-Twilio-Signature"

// SMSStatusWebhook verifies and applies a carrier delivery-status callback.
// Once verified and well formed, the callback is always acknowledged with
// 200 so the carrier does not retry; reconcile failures are only logged.
func (h *Handler) SMSStatusWebhook(w http.ResponseWriter, r *http.Request) {
	if h.authToken == "" {
		h.logger.Error("sms status webhook called without a verification secret configured")
		writeError(w, http.StatusInternalServerError, "webhook verification is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	sig := r.Header.Get(signatureHeader)
	validator := client.NewRequestValidator(h.authToken)
	if sig == "" || !validator.Validate(h.callbackURL(r), params, sig) {
		h.logger.Warn("sms status webhook signature rejected", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusForbidden, "invalid signature")
		return
	}

	cb := reconcile.Callback{
		MessageSID:    strings.TrimSpace(params["MessageSid"]),
		MessageStatus: strings.TrimSpace(params["MessageStatus"]),
		To:            params["To"],
		ErrorCode:     params["ErrorCode"],
		ErrorMessage:  params["ErrorMessage"],
	}
	if cb.MessageSID == "" || cb.MessageStatus == "" {
		writeError(w, http.StatusBadRequest, "MessageSid and MessageStatus are required")
		return
	}

	out, err := h.reconciler.Handle(r.Context(), cb)
	if err != nil {
		h.logger.Error("sms status reconcile failed",
			"provider_message_id", cb.MessageSID, "status", cb.MessageStatus, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"messageSid": cb.MessageSID,
		"status":     out.Status,
	})
}

// callbackURL is the URL the carrier signed. Behind a proxy the request URL
// differs from the public one, so a configured URL wins.
func (h *Handler) callbackURL(r *http.Request) string {
	if h.webhookURL != "" {
		return h.webhookURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

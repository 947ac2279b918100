package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/ReferralPipe/internal/models"
	"github.com/BTreeMap/ReferralPipe/internal/twiliosms"
)

// OutcomeFromForm maps a Twilio status callback to the SID it concerns and a
// contact outcome. ok is false for intermediate statuses such as queued or
// ringing.
func OutcomeFromForm(form url.Values) (sid string, outcome models.ContactOutcome, ok bool) {
	if sid = form.Get("MessageSid"); sid != "" && form.Get("CallSid") == "" {
		switch form.Get("MessageStatus") {
		case "delivered":
			return sid, models.OutcomeDelivered, true
		case "failed", "undelivered":
			if twiliosms.IsInvalidNumberCode(form.Get("ErrorCode")) {
				return sid, models.OutcomeInvalidNumber, true
			}
			return sid, models.OutcomeFailed, true
		}
		return sid, models.OutcomeNone, false
	}

	sid = form.Get("CallSid")
	if sid == "" {
		return "", models.OutcomeNone, false
	}
	switch form.Get("CallStatus") {
	case "busy", "no-answer", "canceled":
		return sid, models.OutcomeCallNoAnswer, true
	case "failed":
		return sid, models.OutcomeInvalidNumber, true
	case "completed":
		// The chatbot flow reports its own result; otherwise fall back to
		// answering machine detection.
		switch form.Get("ChatBotOutcome") {
		case "transferred":
			return sid, models.OutcomeCallTransferred, true
		case "call_guard":
			return sid, models.OutcomeCallGuardDetected, true
		}
		if answeredBy := form.Get("AnsweredBy"); strings.HasPrefix(answeredBy, "machine") || answeredBy == "fax" {
			return sid, models.OutcomeCallNoAnswer, true
		}
		return sid, models.OutcomeCallCompleted, true
	}
	return sid, models.OutcomeNone, false
}

// TwilioStatusWebhook receives Twilio message and call status callbacks.
type TwilioStatusWebhook struct {
	outcomes  *OutcomeHandler
	validator *client.RequestValidator
	publicURL string
}

// WebhookOption configures a TwilioStatusWebhook.
type WebhookOption func(*TwilioStatusWebhook)

// WithSignatureValidation checks the X-Twilio-Signature header against
// authToken. publicURL is the callback URL exactly as configured in Twilio.
func WithSignatureValidation(authToken, publicURL string) WebhookOption {
	return func(w *TwilioStatusWebhook) {
		if authToken == "" {
			return
		}
		v := client.NewRequestValidator(authToken)
		w.validator = &v
		w.publicURL = publicURL
	}
}

// NewTwilioStatusWebhook creates the webhook handler.
func NewTwilioStatusWebhook(outcomes *OutcomeHandler, opts ...WebhookOption) *TwilioStatusWebhook {
	w := &TwilioStatusWebhook{outcomes: outcomes}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (wh *TwilioStatusWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioStatusWebhook: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if wh.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !wh.validator.Validate(wh.publicURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioStatusWebhook: signature mismatch", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	sid, outcome, ok := OutcomeFromForm(r.PostForm)
	if sid == "" {
		slog.Warn("TwilioStatusWebhook: missing MessageSid or CallSid")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	if !ok {
		slog.Debug("TwilioStatusWebhook: intermediate status ignored", "sid", sid,
			"messageStatus", r.PostForm.Get("MessageStatus"), "callStatus", r.PostForm.Get("CallStatus"))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := wh.outcomes.HandleOutcome(r.Context(), sid, outcome); err != nil {
		if errors.Is(err, ErrUnknownContact) {
			slog.Warn("TwilioStatusWebhook: unknown SID", "sid", sid)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		slog.Error("TwilioStatusWebhook: failed to handle outcome", "sid", sid, "outcome", outcome, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// Copyright 2024-2026 Aiku AI

package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
)

// maxIncomingBodySize caps inbound webhook payloads (1 MB).
const maxIncomingBodySize = 1 << 20

// incomingSMS is the payload the SMS gateway posts to /incoming.
type incomingSMS struct {
	From string `json:"from"`
	Body string `json:"body"`
}

// incomingSMSResponse acknowledges a processed webhook call. Answer carries
// the text that was (or should be) sent back to the phone, if any.
type incomingSMSResponse struct {
	Answer string `json:"answer,omitempty"`
}

// handleIncomingSMS is the HTTP handler for POST /incoming. It feeds the
// inbound correlator and, when the correlator produces an answer, texts it
// back to the sender through the transport.
func (br *Bridge) handleIncomingSMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxIncomingBodySize)
	defer r.Body.Close()

	var payload incomingSMS
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if payload.From == "" {
		http.Error(w, "missing sender number", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	answer, err := br.Inbound.ReceiveSMS(ctx, payload.Body, payload.From)
	if errors.Is(err, ErrInvalidNumber) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	} else if err != nil {
		br.Log.Err(err).Str("from", payload.From).Msg("Failed to process inbound SMS")
		http.Error(w, "failed to process message", http.StatusInternalServerError)
		return
	}

	if answer != "" && br.sms != nil {
		if err = br.sms.SendSMS(ctx, payload.From, answer); err != nil {
			smsSendFailureCounter.Inc()
			br.Log.Err(err).Str("to", payload.From).Msg("Failed to send answer SMS")
		} else {
			smsSentCounter.Inc()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(incomingSMSResponse{Answer: answer}); err != nil {
		br.Log.Warn().Err(err).Msg("Failed to write webhook response")
	}
}

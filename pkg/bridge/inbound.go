// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"regexp"
	"strconv"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// tokenPattern matches a mapping token embedded anywhere in an SMS body.
var tokenPattern = regexp.MustCompile(`#(\d{1,9})`)

// Inbound correlates an inbound SMS with a target room and forwards it.
type Inbound struct {
	tokens        *TokenRegistry
	gateway       MatrixGateway
	templates     *Templates
	defaultRoom   id.RoomID
	defaultRegion string
	domain        string
	log           zerolog.Logger
}

// NewInbound creates the inbound correlator. defaultRoom may be empty, in
// which case uncorrelated messages are only answered, not forwarded.
func NewInbound(tokens *TokenRegistry, gateway MatrixGateway, templates *Templates, defaultRoom id.RoomID, defaultRegion, domain string, log zerolog.Logger) *Inbound {
	return &Inbound{
		tokens:        tokens,
		gateway:       gateway,
		templates:     templates,
		defaultRoom:   defaultRoom,
		defaultRegion: defaultRegion,
		domain:        domain,
		log:           log.With().Str("component", "inbound").Logger(),
	}
}

// ReceiveSMS resolves the sender and an optional #token in the body to a
// room and forwards the raw body there as the sender's managed identity. If
// no room can be resolved, the message goes to the default room (when
// configured) as the bot and the returned answer, if non-empty, is to be
// texted back to the phone. A malformed sender number fails with
// ErrInvalidNumber before any state is touched.
func (ib *Inbound) ReceiveSMS(ctx context.Context, body, senderNumber string) (string, error) {
	number, err := NormalizeNumber(senderNumber, ib.defaultRegion)
	if err != nil {
		return "", err
	}
	smsReceivedCounter.Inc()
	userID := ManagedUserID(number, ib.domain)

	var token *int
	if match := tokenPattern.FindStringSubmatch(body); match != nil {
		value, err := strconv.Atoi(match[1])
		if err == nil {
			token = &value
		}
	}

	roomID, err := ib.tokens.ResolveRoom(ctx, userID, token)
	if err != nil {
		return "", err
	}
	if roomID != "" {
		// Send as the managed identity so transcript attribution is correct.
		if _, err = ib.gateway.SendText(ctx, roomID, body, userID); err != nil {
			return "", err
		}
		ib.log.Debug().
			Stringer("user_id", userID).
			Stringer("room_id", roomID).
			Msg("Forwarded inbound SMS")
		return "", nil
	}

	if ib.defaultRoom != "" {
		message := Render(ib.templates.DefaultRoomIncomingMessage, map[string]string{
			"sender": number,
			"body":   body,
		})
		if _, err = ib.gateway.SendText(ctx, ib.defaultRoom, message, ""); err != nil {
			return "", err
		}
		ib.log.Debug().Stringer("user_id", userID).Msg("Forwarded inbound SMS to default room")
		return Render(ib.templates.MissingTokenWithDefaultRoom, map[string]string{
			"sender": number,
			"body":   body,
		}), nil
	}
	ib.log.Debug().Stringer("user_id", userID).Msg("Dropped uncorrelated inbound SMS, no default room")
	return Render(ib.templates.MissingTokenWithoutDefaultRoom, map[string]string{
		"sender": number,
		"body":   body,
	}), nil
}

// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// SMSTransport delivers text to a phone number. The production
// implementation is the gateway client in pkg/smsgateway.
type SMSTransport interface {
	SendSMS(ctx context.Context, receiver, body string) error
}

// roomMemberSource lists the joined members of a room.
type roomMemberSource interface {
	MembersOf(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
}

// Relay forwards room messages to the managed phone numbers in the room.
// The mapping token suffix is appended whenever the receiver could not
// correlate a bare reply, i.e. whenever they are in more than one room or
// token-less mapping is disabled.
type Relay struct {
	tokens            *TokenRegistry
	members           roomMemberSource
	sms               SMSTransport
	templates         *Templates
	defaultRoom       id.RoomID
	allowWithoutToken bool
	log               zerolog.Logger
}

// NewRelay creates the room-to-SMS relay.
func NewRelay(tokens *TokenRegistry, members roomMemberSource, sms SMSTransport, templates *Templates, defaultRoom id.RoomID, allowWithoutToken bool, log zerolog.Logger) *Relay {
	return &Relay{
		tokens:            tokens,
		members:           members,
		sms:               sms,
		templates:         templates,
		defaultRoom:       defaultRoom,
		allowWithoutToken: allowWithoutToken,
		log:               log.With().Str("component", "relay").Logger(),
	}
}

// HandleRoomMessage texts the message to every managed member of the room.
// The default room is never relayed. Transport failures are logged per
// receiver and do not block the remaining receivers.
func (r *Relay) HandleRoomMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) error {
	if roomID == r.defaultRoom {
		return nil
	}
	members, err := r.members.MembersOf(ctx, roomID)
	if err != nil {
		return err
	}
	for _, member := range members {
		number, ok := NumberFromUserID(member)
		if !ok {
			continue
		}
		membership, err := r.tokens.GetOrCreateToken(ctx, member, roomID)
		if err != nil {
			return err
		}
		text := Render(r.templates.OutgoingMessage, map[string]string{
			"sender": string(sender),
			"body":   body,
		})
		needsToken, err := r.needsToken(ctx, member)
		if err != nil {
			return err
		}
		if needsToken {
			text += Render(r.templates.OutgoingMessageTokenSuffix, map[string]string{
				"token": strconv.Itoa(membership.Token),
			})
		}
		if err = r.sms.SendSMS(ctx, number, text); err != nil {
			smsSendFailureCounter.Inc()
			r.log.Err(err).
				Stringer("room_id", roomID).
				Str("receiver", number).
				Msg("Failed to send SMS")
			continue
		}
		smsSentCounter.Inc()
	}
	return nil
}

// needsToken reports whether a bare reply from the user would be ambiguous.
func (r *Relay) needsToken(ctx context.Context, userID id.UserID) (bool, error) {
	if !r.allowWithoutToken {
		return true, nil
	}
	rooms, err := r.tokens.RoomsForUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(rooms) != 1, nil
}

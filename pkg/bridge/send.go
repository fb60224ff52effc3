// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-sms-bridge/pkg/bridge/store"
)

// RoomCreationMode controls whether and when a send request may create a new
// room.
type RoomCreationMode int

const (
	// ModeAuto reuses a matching room when there is exactly one, creates a
	// room when there is none, and falls back to the single-mode alias room
	// for one receiver when single mode is enabled.
	ModeAuto RoomCreationMode = iota
	// ModeAlways creates a new room for every request.
	ModeAlways
	// ModeNo never creates a room.
	ModeNo
	// ModeSingle uses the canonical per-receiver alias room.
	ModeSingle
)

// ParseRoomCreationMode parses the textual mode used on the command line.
func ParseRoomCreationMode(s string) (RoomCreationMode, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return ModeAuto, nil
	case "always":
		return ModeAlways, nil
	case "no":
		return ModeNo, nil
	case "single":
		return ModeSingle, nil
	default:
		return ModeAuto, fmt.Errorf("invalid room creation mode %q", s)
	}
}

func (mode RoomCreationMode) String() string {
	switch mode {
	case ModeAlways:
		return "always"
	case ModeNo:
		return "no"
	case ModeSingle:
		return "single"
	default:
		return "auto"
	}
}

// SendRequest is an outbound send command addressed to one or more phone
// numbers. ReceiverNumbers must already be normalized to E.164.
type SendRequest struct {
	Sender          id.UserID
	Body            string
	ReceiverNumbers []string
	RoomName        string
	Mode            RoomCreationMode
	InviteUserIDs   []id.UserID
	SendAfter       time.Time
}

// matchLimit caps the matching-room lookup: two results are enough to
// distinguish none, one and many.
const matchLimit = 2

// delayNoticeThreshold is how far in the future a send time has to be before
// the room gets an immediate delayed-delivery notice.
const delayNoticeThreshold = 15 * time.Second

// SendEngine decides the room topology for outbound send requests and hands
// the payload to the delivery scheduler.
type SendEngine struct {
	gateway    MatrixGateway
	oracle     membershipOracle
	scheduler  *Scheduler
	templates  *Templates
	domain     string
	singleMode bool
	log        zerolog.Logger
	clock      func() time.Time
}

// NewSendEngine creates the engine. domain is the homeserver domain used to
// derive managed identities and aliases.
func NewSendEngine(gateway MatrixGateway, oracle membershipOracle, scheduler *Scheduler, templates *Templates, domain string, singleMode bool, log zerolog.Logger) *SendEngine {
	return &SendEngine{
		gateway:    gateway,
		oracle:     oracle,
		scheduler:  scheduler,
		templates:  templates,
		domain:     domain,
		singleMode: singleMode,
		log:        log.With().Str("component", "send_engine").Logger(),
		clock:      time.Now,
	}
}

// HandleSend runs the room resolution decision table and returns a
// human-readable answer for the sender. Any failure along the way is
// converted into the send-error template; side effects already performed
// (created rooms, invites) are not rolled back.
func (e *SendEngine) HandleSend(ctx context.Context, req SendRequest) string {
	req.ReceiverNumbers = uniqueNumbers(req.ReceiverNumbers)
	answer, err := e.handleSend(ctx, req)
	if err != nil {
		e.log.Err(err).
			Stringer("sender", req.Sender).
			Strs("receivers", req.ReceiverNumbers).
			Msg("Send command failed")
		return Render(e.templates.SendError, map[string]string{
			"error":           err.Error(),
			"sender":          string(req.Sender),
			"receiverNumbers": strings.Join(req.ReceiverNumbers, ", "),
		})
	}
	return answer
}

func (e *SendEngine) handleSend(ctx context.Context, req SendRequest) (string, error) {
	receivers := make([]id.UserID, len(req.ReceiverNumbers))
	for i, number := range req.ReceiverNumbers {
		receivers[i] = ManagedUserID(number, e.domain)
	}
	members := append([]id.UserID{req.Sender}, receivers...)

	switch req.Mode {
	case ModeAuto:
		if e.singleMode && len(receivers) == 1 {
			return e.sendViaAliasRoom(ctx, req, receivers[0])
		}
		rooms, err := e.oracle.RoomsContainingExactly(ctx, members, e.gateway.BotUserID(), matchLimit)
		if err != nil {
			return "", err
		}
		switch len(rooms) {
		case 0:
			return e.createRoomAndSend(ctx, req, receivers)
		case 1:
			return e.sendToRoom(ctx, req, rooms[0], receivers, false)
		default:
			return e.answer(e.templates.TooManyRooms, req), nil
		}
	case ModeAlways:
		return e.createRoomAndSend(ctx, req, receivers)
	case ModeSingle:
		if !e.singleMode {
			return e.answer(e.templates.SingleModeDisabled, req), nil
		}
		if len(receivers) > 1 {
			return e.answer(e.templates.SingleModeTooManyNumbers, req), nil
		}
		return e.sendViaAliasRoom(ctx, req, receivers[0])
	case ModeNo:
		rooms, err := e.oracle.RoomsContainingExactly(ctx, members, e.gateway.BotUserID(), matchLimit)
		if err != nil {
			return "", err
		}
		switch len(rooms) {
		case 0:
			return e.answer(e.templates.DisabledRoomCreation, req), nil
		case 1:
			return e.sendToRoom(ctx, req, rooms[0], receivers, false)
		default:
			return e.answer(e.templates.TooManyRooms, req), nil
		}
	default:
		return "", fmt.Errorf("unhandled room creation mode %d", req.Mode)
	}
}

// uniqueNumbers drops duplicate receiver numbers, keeping first-occurrence
// order. Duplicates would break the exact-member-set room match and invite
// the same identity twice.
func uniqueNumbers(numbers []string) []string {
	if len(numbers) < 2 {
		return numbers
	}
	seen := make(map[string]struct{}, len(numbers))
	unique := make([]string, 0, len(numbers))
	for _, number := range numbers {
		if _, ok := seen[number]; ok {
			continue
		}
		seen[number] = struct{}{}
		unique = append(unique, number)
	}
	return unique
}

// sendViaAliasRoom resolves or creates the canonical per-receiver room and
// sends there. The managed identity creates the room, so it is present by
// construction; the bot is not, and sendToRoom pulls it in before delivery.
func (e *SendEngine) sendViaAliasRoom(ctx context.Context, req SendRequest, receiver id.UserID) (string, error) {
	number, _ := NumberFromUserID(receiver)
	alias := ManagedRoomAlias(number, e.domain)

	roomID, err := e.gateway.ResolveAlias(ctx, alias)
	if errors.Is(err, ErrAliasNotFound) {
		if err = e.gateway.EnsureRegistered(ctx, receiver); err != nil {
			return "", err
		}
		roomID, err = e.gateway.CreateRoom(ctx, CreateRoomRequest{
			AliasLocalpart: ManagedLocalpart(number),
			AsUser:         receiver,
		})
		if err != nil {
			return "", err
		}
		for _, invitee := range append([]id.UserID{req.Sender}, req.InviteUserIDs...) {
			member, err := e.oracle.IsMember(ctx, roomID, invitee)
			if err != nil {
				return "", err
			}
			if member {
				continue
			}
			if err = e.gateway.InviteUser(ctx, roomID, invitee, receiver); err != nil {
				return "", err
			}
		}
	} else if err != nil {
		return "", err
	}

	if req.RoomName != "" {
		name, err := e.gateway.GetRoomName(ctx, roomID)
		if err != nil {
			return "", err
		}
		if name == "" {
			if err = e.gateway.SetRoomName(ctx, roomID, req.RoomName); err != nil {
				return "", err
			}
		}
	}

	return e.sendToRoom(ctx, req, roomID, []id.UserID{receiver}, false)
}

// createRoomAndSend provisions the managed receivers, creates a room with
// everyone invited and then sends the message there. Any member may invite,
// kick and edit the room name and topic; the managed receivers get full
// power so the bridge can administer the room on their behalf.
func (e *SendEngine) createRoomAndSend(ctx context.Context, req SendRequest, receivers []id.UserID) (string, error) {
	users := make(map[id.UserID]int, len(receivers))
	for _, receiver := range receivers {
		if err := e.gateway.EnsureRegistered(ctx, receiver); err != nil {
			return "", err
		}
		users[receiver] = 100
	}
	users[e.gateway.BotUserID()] = 100

	invite := append([]id.UserID{req.Sender}, receivers...)
	invite = append(invite, req.InviteUserIDs...)

	roomID, err := e.gateway.CreateRoom(ctx, CreateRoomRequest{
		Name:   req.RoomName,
		Invite: invite,
		PowerLevels: &event.PowerLevelsEventContent{
			InvitePtr: ptr.Ptr(0),
			KickPtr:   ptr.Ptr(0),
			Events: map[string]int{
				event.StateRoomName.Type: 0,
				event.StateTopic.Type:    0,
			},
			Users: users,
		},
	})
	if err != nil {
		return "", err
	}
	for _, receiver := range receivers {
		if err = e.gateway.EnsureJoined(ctx, roomID, receiver); err != nil {
			return "", err
		}
	}

	e.log.Info().
		Stringer("room_id", roomID).
		Stringer("sender", req.Sender).
		Strs("receivers", req.ReceiverNumbers).
		Msg("Created room for send request")

	if strings.TrimSpace(req.Body) == "" {
		return e.answer(e.templates.CreatedRoomNoMessage, req), nil
	}
	if _, err = e.sendToRoom(ctx, req, roomID, receivers, true); err != nil {
		return "", err
	}
	return e.answer(e.templates.CreatedRoomAndSent, req), nil
}

// sendToRoom queues the message body for the room. When the effective send
// time is more than 15 seconds away, the room immediately gets a notice
// announcing the delayed delivery; the payload itself goes through the
// scheduler either way.
func (e *SendEngine) sendToRoom(ctx context.Context, req SendRequest, roomID id.RoomID, receivers []id.UserID, denyBotInvite bool) (string, error) {
	if strings.TrimSpace(req.Body) == "" {
		return e.answer(e.templates.NoMessage, req), nil
	}

	if !denyBotInvite {
		member, err := e.oracle.IsMember(ctx, roomID, e.gateway.BotUserID())
		if err != nil {
			return "", err
		}
		if !member {
			// The human sender may lack invite power, so one of the managed
			// receivers performs the invite.
			if err = e.gateway.InviteUser(ctx, roomID, e.gateway.BotUserID(), receivers[0]); err != nil {
				return "", err
			}
			if err = e.gateway.EnsureJoined(ctx, roomID, e.gateway.BotUserID()); err != nil {
				return "", err
			}
		}
	}

	now := e.clock()
	sendAfter := req.SendAfter
	if sendAfter.IsZero() {
		sendAfter = now
	}
	if sendAfter.After(now.Add(delayNoticeThreshold)) {
		notice := Render(e.templates.NoticeDelayedMessage, map[string]string{
			"sender":    string(req.Sender),
			"sendAfter": sendAfter.Format(time.RFC1123),
		})
		if notice != "" {
			if _, err := e.gateway.SendNotice(ctx, roomID, notice); err != nil {
				return "", err
			}
		}
	}

	err := e.scheduler.Enqueue(ctx, &store.QueuedMessage{
		RoomID:            roomID,
		Body:              req.Body,
		IsNotice:          false,
		ScheduledAt:       sendAfter,
		RequiredReceivers: receivers,
	})
	if err != nil {
		return "", err
	}
	return e.answer(e.templates.MessageSent, req), nil
}

// answer renders a request-scoped answer template.
func (e *SendEngine) answer(tmpl string, req SendRequest) string {
	sendAfter := ""
	if !req.SendAfter.IsZero() {
		sendAfter = req.SendAfter.Format(time.RFC1123)
	}
	roomAlias := ""
	if len(req.ReceiverNumbers) == 1 {
		roomAlias = string(ManagedRoomAlias(req.ReceiverNumbers[0], e.domain))
	}
	return Render(tmpl, map[string]string{
		"sender":          string(req.Sender),
		"body":            req.Body,
		"receiverNumbers": strings.Join(req.ReceiverNumbers, ", "),
		"roomName":        req.RoomName,
		"roomAlias":       roomAlias,
		"sendAfter":       sendAfter,
	})
}

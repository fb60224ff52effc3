// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-sms-bridge/pkg/bridge/store"
)

// CreateRoomRequest describes a room to be created through the gateway.
// AsUser selects the creating identity; empty means the bridge bot.
type CreateRoomRequest struct {
	Name           string
	AliasLocalpart string
	Invite         []id.UserID
	PowerLevels    *event.PowerLevelsEventContent
	AsUser         id.UserID
}

// MatrixGateway is the chat-protocol surface the engines depend on. The
// production implementation sits on the appservice intent API; tests supply
// fakes.
type MatrixGateway interface {
	BotUserID() id.UserID
	CreateRoom(ctx context.Context, req CreateRoomRequest) (id.RoomID, error)
	InviteUser(ctx context.Context, roomID id.RoomID, userID, asUser id.UserID) error
	EnsureJoined(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	EnsureRegistered(ctx context.Context, userID id.UserID) error
	SendText(ctx context.Context, roomID id.RoomID, body string, asUser id.UserID) (id.EventID, error)
	SendNotice(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error)
	ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error)
	GetRoomName(ctx context.Context, roomID id.RoomID) (string, error)
	SetRoomName(ctx context.Context, roomID id.RoomID, name string) error
}

// ErrAliasNotFound is returned by ResolveAlias when no room has the alias.
var ErrAliasNotFound = errors.New("room alias not found")

// asGateway implements MatrixGateway on a mautrix appservice. Room
// memberships performed through the gateway are mirrored into the local
// room_member table immediately so decisions made right after a call see
// their own writes instead of waiting for the event stream.
type asGateway struct {
	as      *appservice.AppService
	members *store.RoomMemberQuery
	log     zerolog.Logger
}

// NewMatrixGateway wraps the appservice in the MatrixGateway contract.
func NewMatrixGateway(as *appservice.AppService, members *store.RoomMemberQuery, log zerolog.Logger) MatrixGateway {
	return &asGateway{as: as, members: members, log: log.With().Str("component", "matrix_gateway").Logger()}
}

func (gw *asGateway) intent(asUser id.UserID) *appservice.IntentAPI {
	if asUser == "" || asUser == gw.as.BotMXID() {
		return gw.as.BotIntent()
	}
	return gw.as.Intent(asUser)
}

func (gw *asGateway) BotUserID() id.UserID {
	return gw.as.BotMXID()
}

func (gw *asGateway) CreateRoom(ctx context.Context, req CreateRoomRequest) (id.RoomID, error) {
	intent := gw.intent(req.AsUser)
	resp, err := intent.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility:         "private",
		Name:               req.Name,
		RoomAliasName:      req.AliasLocalpart,
		Invite:             req.Invite,
		PowerLevelOverride: req.PowerLevels,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	}
	if err = gw.members.Put(ctx, resp.RoomID, intent.UserID); err != nil {
		gw.log.Err(err).Stringer("room_id", resp.RoomID).Msg("Failed to record creator membership")
	}
	return resp.RoomID, nil
}

func (gw *asGateway) InviteUser(ctx context.Context, roomID id.RoomID, userID, asUser id.UserID) error {
	_, err := gw.intent(asUser).InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	if err != nil {
		return fmt.Errorf("failed to invite %s to %s: %w", userID, roomID, err)
	}
	return nil
}

func (gw *asGateway) EnsureJoined(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	if err := gw.intent(userID).EnsureJoined(ctx, roomID); err != nil {
		return fmt.Errorf("failed to join %s to %s: %w", userID, roomID, err)
	}
	if err := gw.members.Put(ctx, roomID, userID); err != nil {
		gw.log.Err(err).Stringer("room_id", roomID).Msg("Failed to record membership")
	}
	return nil
}

func (gw *asGateway) EnsureRegistered(ctx context.Context, userID id.UserID) error {
	if err := gw.intent(userID).EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("failed to register %s: %w", userID, err)
	}
	return nil
}

func (gw *asGateway) SendText(ctx context.Context, roomID id.RoomID, body string, asUser id.UserID) (id.EventID, error) {
	resp, err := gw.intent(asUser).SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message to %s: %w", roomID, err)
	}
	return resp.EventID, nil
}

func (gw *asGateway) SendNotice(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error) {
	resp, err := gw.as.BotIntent().SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send notice to %s: %w", roomID, err)
	}
	return resp.EventID, nil
}

func (gw *asGateway) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	resp, err := gw.as.BotIntent().ResolveAlias(ctx, alias)
	if errors.Is(err, mautrix.MNotFound) {
		return "", ErrAliasNotFound
	} else if err != nil {
		return "", fmt.Errorf("failed to resolve alias %s: %w", alias, err)
	}
	return resp.RoomID, nil
}

func (gw *asGateway) GetRoomName(ctx context.Context, roomID id.RoomID) (string, error) {
	var content event.RoomNameEventContent
	err := gw.as.BotIntent().StateEvent(ctx, roomID, event.StateRoomName, "", &content)
	if errors.Is(err, mautrix.MNotFound) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to get name of %s: %w", roomID, err)
	}
	return content.Name, nil
}

func (gw *asGateway) SetRoomName(ctx context.Context, roomID id.RoomID, name string) error {
	_, err := gw.as.BotIntent().SendStateEvent(ctx, roomID, event.StateRoomName, "", &event.RoomNameEventContent{Name: name})
	if err != nil {
		return fmt.Errorf("failed to set name of %s: %w", roomID, err)
	}
	return nil
}

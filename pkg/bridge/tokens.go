// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-sms-bridge/pkg/bridge/store"
)

// membershipStore is the slice of the store the token registry needs.
type membershipStore interface {
	Get(ctx context.Context, userID id.UserID, roomID id.RoomID) (*store.Membership, error)
	GetByToken(ctx context.Context, userID id.UserID, token int) (*store.Membership, error)
	MaxToken(ctx context.Context, userID id.UserID) (int, error)
	Insert(ctx context.Context, m *store.Membership) error
	RoomsForUser(ctx context.Context, userID id.UserID) ([]id.RoomID, error)
}

// TokenRegistry owns the (user, room) -> token relation. Tokens are unique
// and strictly increasing per user, allocated under an optimistic
// insert-and-retry discipline so concurrent callers never collide.
type TokenRegistry struct {
	db                membershipStore
	allowWithoutToken bool
	log               zerolog.Logger
}

// NewTokenRegistry creates a registry. allowWithoutToken enables the
// single-room fallback of ResolveRoom.
func NewTokenRegistry(db membershipStore, allowWithoutToken bool, log zerolog.Logger) *TokenRegistry {
	return &TokenRegistry{
		db:                db,
		allowWithoutToken: allowWithoutToken,
		log:               log.With().Str("component", "token_registry").Logger(),
	}
}

// GetOrCreateToken returns the existing membership for the pair, or assigns
// the next free token for the user and persists it. When a concurrent caller
// wins the insert, the allocation is retried from a fresh read, so the
// resulting tokens are a gap-free permutation of 1..n per user.
func (tr *TokenRegistry) GetOrCreateToken(ctx context.Context, userID id.UserID, roomID id.RoomID) (*store.Membership, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		existing, err := tr.db.Get(ctx, userID, roomID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up membership: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
		max, err := tr.db.MaxToken(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to read max token: %w", err)
		}
		membership := &store.Membership{
			UserID: userID,
			RoomID: roomID,
			Token:  max + 1,
		}
		err = tr.db.Insert(ctx, membership)
		if errors.Is(err, store.ErrDuplicate) {
			// Lost the race, re-read and try again.
			continue
		} else if err != nil {
			return nil, fmt.Errorf("failed to persist membership: %w", err)
		}
		tr.log.Debug().
			Stringer("user_id", userID).
			Stringer("room_id", roomID).
			Int("token", membership.Token).
			Msg("Assigned mapping token")
		return membership, nil
	}
}

// ResolveRoom maps a user plus an optional token to a room. A token that
// does not resolve falls through to the no-token policy: with the
// allow-mapping-without-token flag enabled and the user in exactly one room,
// that room is returned; in every other case the result is empty, which is a
// valid "no answer" outcome rather than an error.
func (tr *TokenRegistry) ResolveRoom(ctx context.Context, userID id.UserID, token *int) (id.RoomID, error) {
	if token != nil {
		membership, err := tr.db.GetByToken(ctx, userID, *token)
		if err != nil {
			return "", fmt.Errorf("failed to look up token: %w", err)
		}
		if membership != nil {
			return membership.RoomID, nil
		}
	}
	if !tr.allowWithoutToken {
		return "", nil
	}
	rooms, err := tr.db.RoomsForUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to list rooms: %w", err)
	}
	if len(rooms) == 1 {
		return rooms[0], nil
	}
	return "", nil
}

// RoomsForUser returns every room the user holds a mapping token for.
func (tr *TokenRegistry) RoomsForUser(ctx context.Context, userID id.UserID) ([]id.RoomID, error) {
	return tr.db.RoomsForUser(ctx, userID)
}

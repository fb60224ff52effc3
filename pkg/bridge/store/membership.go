// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// Membership is the durable (user, room) -> token relation. The token is a
// small integer unique per user, assigned monotonically starting at 1, and
// embedded in outgoing SMS text so replies can be correlated back to the
// right room.
type Membership struct {
	UserID id.UserID
	RoomID id.RoomID
	Token  int
}

// MembershipQuery provides access to the membership table. Rows are owned
// exclusively by the token registry.
type MembershipQuery struct {
	db *dbutil.Database
}

const (
	getMembershipQuery = `
		SELECT user_id, room_id, token FROM membership WHERE user_id=$1 AND room_id=$2
	`
	getMembershipByTokenQuery = `
		SELECT user_id, room_id, token FROM membership WHERE user_id=$1 AND token=$2
	`
	maxTokenQuery         = `SELECT COALESCE(MAX(token), 0) FROM membership WHERE user_id=$1`
	insertMembershipQuery = `INSERT INTO membership (user_id, room_id, token) VALUES ($1, $2, $3)`
	roomsForUserQuery     = `SELECT room_id FROM membership WHERE user_id=$1 ORDER BY token`
	countMembershipsQuery = `SELECT COUNT(*) FROM membership WHERE user_id=$1`
)

func (mq *MembershipQuery) scan(row dbutil.Scannable) (*Membership, error) {
	var m Membership
	err := row.Scan(&m.UserID, &m.RoomID, &m.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &m, nil
}

// Get returns the membership for the given pair, or nil if none exists.
func (mq *MembershipQuery) Get(ctx context.Context, userID id.UserID, roomID id.RoomID) (*Membership, error) {
	return mq.scan(mq.db.QueryRow(ctx, getMembershipQuery, userID, roomID))
}

// GetByToken returns the membership with the given per-user token, or nil.
func (mq *MembershipQuery) GetByToken(ctx context.Context, userID id.UserID, token int) (*Membership, error) {
	return mq.scan(mq.db.QueryRow(ctx, getMembershipByTokenQuery, userID, token))
}

// MaxToken returns the highest token assigned to the user, or 0 if the user
// has no memberships yet.
func (mq *MembershipQuery) MaxToken(ctx context.Context, userID id.UserID) (int, error) {
	var max int
	err := mq.db.QueryRow(ctx, maxTokenQuery, userID).Scan(&max)
	return max, err
}

// Insert persists a new membership row. Returns ErrDuplicate when either the
// (user, room) pair or the (user, token) pair is already taken, which callers
// treat as a lost allocation race.
func (mq *MembershipQuery) Insert(ctx context.Context, m *Membership) error {
	_, err := mq.db.Exec(ctx, insertMembershipQuery, m.UserID, m.RoomID, m.Token)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: membership %s/%d", ErrDuplicate, m.UserID, m.Token)
	}
	return err
}

// RoomsForUser returns all rooms the user has a mapping token for, in token
// order.
func (mq *MembershipQuery) RoomsForUser(ctx context.Context, userID id.UserID) ([]id.RoomID, error) {
	rows, err := mq.db.Query(ctx, roomsForUserQuery, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rooms []id.RoomID
	for rows.Next() {
		var roomID id.RoomID
		if err = rows.Scan(&roomID); err != nil {
			return nil, err
		}
		rooms = append(rooms, roomID)
	}
	return rooms, rows.Err()
}

// Count returns the number of rooms the user has a mapping token for.
func (mq *MembershipQuery) Count(ctx context.Context, userID id.UserID) (int, error) {
	var count int
	err := mq.db.QueryRow(ctx, countMembershipsQuery, userID).Scan(&count)
	return count, err
}

// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"strconv"
	"strings"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// RoomMemberQuery tracks which users are joined to which rooms. The table is
// kept current from the appservice event stream and answers the membership
// questions the engines need without round-trips to the homeserver.
type RoomMemberQuery struct {
	db *dbutil.Database
}

const (
	putRoomMemberQuery    = `INSERT OR IGNORE INTO room_member (room_id, user_id) VALUES ($1, $2)`
	removeRoomMemberQuery = `DELETE FROM room_member WHERE room_id=$1 AND user_id=$2`
	isMemberQuery         = `SELECT COUNT(*) FROM room_member WHERE room_id=$1 AND user_id=$2`
	membersOfQuery        = `SELECT user_id FROM room_member WHERE room_id=$1 ORDER BY user_id`
)

// Put records that the user is joined to the room. Idempotent.
func (rq *RoomMemberQuery) Put(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := rq.db.Exec(ctx, putRoomMemberQuery, roomID, userID)
	return err
}

// Remove records that the user is no longer joined to the room.
func (rq *RoomMemberQuery) Remove(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := rq.db.Exec(ctx, removeRoomMemberQuery, roomID, userID)
	return err
}

// IsMember reports whether the user is joined to the room.
func (rq *RoomMemberQuery) IsMember(ctx context.Context, roomID id.RoomID, userID id.UserID) (bool, error) {
	var count int
	err := rq.db.QueryRow(ctx, isMemberQuery, roomID, userID).Scan(&count)
	return count > 0, err
}

// ContainsAll reports whether every given user is joined to the room.
func (rq *RoomMemberQuery) ContainsAll(ctx context.Context, roomID id.RoomID, userIDs []id.UserID) (bool, error) {
	if len(userIDs) == 0 {
		return true, nil
	}
	query := `SELECT COUNT(DISTINCT user_id) FROM room_member WHERE room_id=$1 AND user_id IN (` +
		placeholders(2, len(userIDs)) + `)`
	args := make([]any, 0, len(userIDs)+1)
	args = append(args, roomID)
	for _, userID := range userIDs {
		args = append(args, userID)
	}
	var count int
	err := rq.db.QueryRow(ctx, query, args...).Scan(&count)
	return count == len(userIDs), err
}

// MembersOf returns all joined members of the room.
func (rq *RoomMemberQuery) MembersOf(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	rows, err := rq.db.Query(ctx, membersOfQuery, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []id.UserID
	for rows.Next() {
		var userID id.UserID
		if err = rows.Scan(&userID); err != nil {
			return nil, err
		}
		members = append(members, userID)
	}
	return members, rows.Err()
}

// RoomsContainingExactly returns up to limit rooms whose joined member set is
// exactly the given set, not counting the ignored user. The bridge bot joins
// every room it delivers to, so callers pass it as ignored to keep it from
// spoiling the exact match. The limit keeps the 0/1/many distinction cheap
// without scanning every matching room.
func (rq *RoomMemberQuery) RoomsContainingExactly(ctx context.Context, members []id.UserID, ignored id.UserID, limit int) ([]id.RoomID, error) {
	if len(members) == 0 {
		return nil, nil
	}
	query := `
		SELECT room_id FROM room_member
		WHERE user_id<>$1
		GROUP BY room_id
		HAVING COUNT(*)=$2 AND SUM(CASE WHEN user_id IN (` + placeholders(3, len(members)) + `) THEN 1 ELSE 0 END)=$2
		ORDER BY room_id
		LIMIT ` + placeholder(len(members)+3)
	args := make([]any, 0, len(members)+3)
	args = append(args, ignored, len(members))
	for _, userID := range members {
		args = append(args, userID)
	}
	args = append(args, limit)
	rows, err := rq.db.Query(ctx, query, args...)
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

// placeholders renders $start..$start+count-1 as a comma-separated list.
func placeholders(start, count int) string {
	var sb strings.Builder
	for i := range count {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(placeholder(start + i))
	}
	return sb.String()
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

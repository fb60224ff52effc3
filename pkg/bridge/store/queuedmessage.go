// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// QueuedMessage is a pending outbound room message waiting for its scheduled
// time and for the required receivers to join the target room. An ID of zero
// means the message has not been persisted yet.
type QueuedMessage struct {
	ID                int64
	RoomID            id.RoomID
	Body              string
	IsNotice          bool
	ScheduledAt       time.Time
	RequiredReceivers []id.UserID
}

// QueuedMessageQuery provides access to the queued_message table. Persisted
// rows are owned exclusively by the delivery scheduler.
type QueuedMessageQuery struct {
	db *dbutil.Database
}

const (
	insertQueuedMessageQuery = `
		INSERT INTO queued_message (room_id, body, is_notice, scheduled_at, required_receivers)
		VALUES ($1, $2, $3, $4, $5)
	`
	getQueuedMessageQuery = `
		SELECT id, room_id, body, is_notice, scheduled_at, required_receivers
		FROM queued_message WHERE id=$1
	`
	getAllQueuedMessagesQuery = `
		SELECT id, room_id, body, is_notice, scheduled_at, required_receivers
		FROM queued_message ORDER BY id
	`
	deleteQueuedMessageQuery = `DELETE FROM queued_message WHERE id=$1`
)

// Insert persists the message and fills in its assigned ID.
func (qq *QueuedMessageQuery) Insert(ctx context.Context, msg *QueuedMessage) error {
	res, err := qq.db.Exec(ctx, insertQueuedMessageQuery,
		msg.RoomID, msg.Body, msg.IsNotice, msg.ScheduledAt.UnixMilli(),
		dbutil.JSON{Data: &msg.RequiredReceivers})
	if err != nil {
		return err
	}
	msg.ID, err = res.LastInsertId()
	return err
}

func (qq *QueuedMessageQuery) scan(row dbutil.Scannable) (*QueuedMessage, error) {
	var msg QueuedMessage
	var scheduledAt int64
	err := row.Scan(&msg.ID, &msg.RoomID, &msg.Body, &msg.IsNotice, &scheduledAt,
		dbutil.JSON{Data: &msg.RequiredReceivers})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	msg.ScheduledAt = time.UnixMilli(scheduledAt)
	return &msg, nil
}

// Get returns the persisted message with the given ID, or nil.
func (qq *QueuedMessageQuery) Get(ctx context.Context, msgID int64) (*QueuedMessage, error) {
	return qq.scan(qq.db.QueryRow(ctx, getQueuedMessageQuery, msgID))
}

// GetAll returns every persisted queued message in insertion order.
func (qq *QueuedMessageQuery) GetAll(ctx context.Context) ([]*QueuedMessage, error) {
	rows, err := qq.db.Query(ctx, getAllQueuedMessagesQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []*QueuedMessage
	for rows.Next() {
		msg, err := qq.scan(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Delete removes the persisted message with the given ID.
func (qq *QueuedMessageQuery) Delete(ctx context.Context, msgID int64) error {
	_, err := qq.db.Exec(ctx, deleteQueuedMessageQuery, msgID)
	return err
}

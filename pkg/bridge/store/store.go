// Copyright 2024-2026 Aiku AI

// Package store implements the bridge's persistence layer on top of
// go.mau.fi/util/dbutil with an SQLite backend.
package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/matrix-sms-bridge/pkg/bridge/store/upgrades"
)

// ErrDuplicate is returned by insert methods when a row violates a unique
// constraint. Callers that allocate under optimistic concurrency re-read
// and retry on this error.
var ErrDuplicate = errors.New("row already exists")

// Container bundles the database handle with the per-table query helpers.
type Container struct {
	*dbutil.Database

	Membership *MembershipQuery
	Queue      *QueuedMessageQuery
	Members    *RoomMemberQuery
}

// New opens (or creates) the bridge database at the given SQLite URI.
// The schema is not touched until Upgrade is called.
func New(uri string, log zerolog.Logger) (*Container, error) {
	db, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.UpgradeTable = upgrades.Table
	db.Log = dbutil.ZeroLogger(log)
	return &Container{
		Database:   db,
		Membership: &MembershipQuery{db},
		Queue:      &QueuedMessageQuery{db},
		Members:    &RoomMemberQuery{db},
	}, nil
}

// isUniqueViolation reports whether err is an SQLite unique constraint
// failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

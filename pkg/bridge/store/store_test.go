// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

func newTestDB(t *testing.T) *Container {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "bridge.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err = db.Upgrade(context.Background()); err != nil {
		t.Fatalf("failed to upgrade database: %v", err)
	}
	return db
}

func TestMembershipQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	alice := id.UserID("@alice:example.com")
	bob := id.UserID("@bob:example.com")

	if m, err := db.Membership.Get(ctx, alice, "!one:example.com"); err != nil || m != nil {
		t.Fatalf("Get on empty table = %v, %v", m, err)
	}
	if max, err := db.Membership.MaxToken(ctx, alice); err != nil || max != 0 {
		t.Fatalf("MaxToken on empty table = %d, %v", max, err)
	}

	first := &Membership{UserID: alice, RoomID: "!one:example.com", Token: 1}
	if err := db.Membership.Insert(ctx, first); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	second := &Membership{UserID: alice, RoomID: "!two:example.com", Token: 2}
	if err := db.Membership.Insert(ctx, second); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	// Bob's tokens are independent of Alice's.
	if err := db.Membership.Insert(ctx, &Membership{UserID: bob, RoomID: "!one:example.com", Token: 1}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := db.Membership.Get(ctx, alice, "!two:example.com")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.Token != 2 {
		t.Errorf("Get = %+v, want token 2", got)
	}
	byToken, err := db.Membership.GetByToken(ctx, alice, 1)
	if err != nil {
		t.Fatalf("GetByToken failed: %v", err)
	}
	if byToken == nil || byToken.RoomID != "!one:example.com" {
		t.Errorf("GetByToken = %+v, want !one:example.com", byToken)
	}
	if max, err := db.Membership.MaxToken(ctx, alice); err != nil || max != 2 {
		t.Errorf("MaxToken = %d, %v, want 2", max, err)
	}
	if count, err := db.Membership.Count(ctx, alice); err != nil || count != 2 {
		t.Errorf("Count = %d, %v, want 2", count, err)
	}

	rooms, err := db.Membership.RoomsForUser(ctx, alice)
	if err != nil {
		t.Fatalf("RoomsForUser failed: %v", err)
	}
	want := []id.RoomID{"!one:example.com", "!two:example.com"}
	if !reflect.DeepEqual(rooms, want) {
		t.Errorf("RoomsForUser = %v, want %v", rooms, want)
	}
}

func TestMembershipQuery_DuplicateDetection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	alice := id.UserID("@alice:example.com")

	if err := db.Membership.Insert(ctx, &Membership{UserID: alice, RoomID: "!one:example.com", Token: 1}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Same pair again.
	err := db.Membership.Insert(ctx, &Membership{UserID: alice, RoomID: "!one:example.com", Token: 2})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("pair duplicate error = %v, want ErrDuplicate", err)
	}
	// Same token for another room.
	err = db.Membership.Insert(ctx, &Membership{UserID: alice, RoomID: "!two:example.com", Token: 1})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("token duplicate error = %v, want ErrDuplicate", err)
	}
}

func TestQueuedMessageQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	scheduledAt := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	receivers := []id.UserID{"@sms_491734567890:example.com", "@sms_491734567891:example.com"}

	msg := &QueuedMessage{
		RoomID:            "!room:example.com",
		Body:              "hello",
		IsNotice:          true,
		ScheduledAt:       scheduledAt,
		RequiredReceivers: receivers,
	}
	if err := db.Queue.Insert(ctx, msg); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if msg.ID == 0 {
		t.Fatal("Insert did not assign an ID")
	}

	got, err := db.Queue.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if got.Body != "hello" || !got.IsNotice || got.RoomID != "!room:example.com" {
		t.Errorf("Get = %+v", got)
	}
	if !got.ScheduledAt.Equal(scheduledAt) {
		t.Errorf("scheduled_at = %v, want %v", got.ScheduledAt, scheduledAt)
	}
	if !reflect.DeepEqual(got.RequiredReceivers, receivers) {
		t.Errorf("required receivers = %v, want %v", got.RequiredReceivers, receivers)
	}

	second := &QueuedMessage{RoomID: "!room:example.com", Body: "second", ScheduledAt: scheduledAt}
	if err = db.Queue.Insert(ctx, second); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	all, err := db.Queue.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != msg.ID || all[1].ID != second.ID {
		t.Errorf("GetAll = %+v, want insertion order", all)
	}

	if err = db.Queue.Delete(ctx, msg.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got, err = db.Queue.Get(ctx, msg.ID); err != nil || got != nil {
		t.Errorf("Get after delete = %v, %v, want nil", got, err)
	}
}

func TestRoomMemberQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	roomID := id.RoomID("!room:example.com")
	alice := id.UserID("@alice:example.com")
	bob := id.UserID("@bob:example.com")

	if err := db.Members.Put(ctx, roomID, alice); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// Idempotent.
	if err := db.Members.Put(ctx, roomID, alice); err != nil {
		t.Fatalf("repeated Put failed: %v", err)
	}
	if err := db.Members.Put(ctx, roomID, bob); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if member, err := db.Members.IsMember(ctx, roomID, alice); err != nil || !member {
		t.Errorf("IsMember(alice) = %v, %v, want true", member, err)
	}
	if member, err := db.Members.IsMember(ctx, roomID, "@carol:example.com"); err != nil || member {
		t.Errorf("IsMember(carol) = %v, %v, want false", member, err)
	}
	if all, err := db.Members.ContainsAll(ctx, roomID, []id.UserID{alice, bob}); err != nil || !all {
		t.Errorf("ContainsAll = %v, %v, want true", all, err)
	}
	if all, err := db.Members.ContainsAll(ctx, roomID, []id.UserID{alice, "@carol:example.com"}); err != nil || all {
		t.Errorf("ContainsAll with stranger = %v, %v, want false", all, err)
	}

	members, err := db.Members.MembersOf(ctx, roomID)
	if err != nil {
		t.Fatalf("MembersOf failed: %v", err)
	}
	want := []id.UserID{alice, bob}
	if !reflect.DeepEqual(members, want) {
		t.Errorf("MembersOf = %v, want %v", members, want)
	}

	if err = db.Members.Remove(ctx, roomID, bob); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if member, err := db.Members.IsMember(ctx, roomID, bob); err != nil || member {
		t.Errorf("IsMember after remove = %v, %v, want false", member, err)
	}
}

func TestRoomMemberQuery_RoomsContainingExactly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	alice := id.UserID("@alice:example.com")
	sms := id.UserID("@sms_491734567890:example.com")
	bot := id.UserID("@smsbot:example.com")

	fill := func(roomID id.RoomID, members ...id.UserID) {
		for _, member := range members {
			if err := db.Members.Put(ctx, roomID, member); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
	}
	// The bot sits in some rooms and must not affect the match either way.
	fill("!exact1:example.com", alice, sms, bot)
	fill("!exact2:example.com", alice, sms)
	fill("!superset:example.com", alice, sms, "@bob:example.com")
	fill("!subset:example.com", alice, bot)
	fill("!other:example.com", "@bob:example.com", sms, bot)

	rooms, err := db.Members.RoomsContainingExactly(ctx, []id.UserID{alice, sms}, bot, 10)
	if err != nil {
		t.Fatalf("RoomsContainingExactly failed: %v", err)
	}
	want := []id.RoomID{"!exact1:example.com", "!exact2:example.com"}
	if !reflect.DeepEqual(rooms, want) {
		t.Errorf("RoomsContainingExactly = %v, want %v", rooms, want)
	}

	// The limit caps the result without changing which rooms qualify.
	rooms, err = db.Members.RoomsContainingExactly(ctx, []id.UserID{alice, sms}, bot, 1)
	if err != nil {
		t.Fatalf("RoomsContainingExactly failed: %v", err)
	}
	if len(rooms) != 1 {
		t.Errorf("limited result = %v, want exactly one room", rooms)
	}

	rooms, err = db.Members.RoomsContainingExactly(ctx, []id.UserID{"@nobody:example.com"}, bot, 10)
	if err != nil {
		t.Fatalf("RoomsContainingExactly failed: %v", err)
	}
	if len(rooms) != 0 {
		t.Errorf("RoomsContainingExactly for stranger = %v, want none", rooms)
	}
}

// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-sms-bridge/pkg/bridge/store"
)

const testDomain = "example.com"

var testBot = id.UserID("@smsbot:" + testDomain)

// testTemplates uses minimal marker templates so assertions stay readable.
var testTemplates = Templates{
	OutgoingMessage:                "{sender}: {body}",
	OutgoingMessageTokenSuffix:     " #{token}",
	DefaultRoomIncomingMessage:     "from {sender}: {body}",
	MessageSent:                    "sent to {receiverNumbers}",
	NoMessage:                      "no message",
	TooManyRooms:                   "too many rooms with {receiverNumbers}",
	DisabledRoomCreation:           "room creation disabled for {receiverNumbers}",
	CreatedRoomAndSent:             "created room and sent to {receiverNumbers}",
	CreatedRoomNoMessage:           "created room for {receiverNumbers}",
	SingleModeDisabled:             "single mode disabled",
	SingleModeTooManyNumbers:       "single mode allows one number, got {receiverNumbers}",
	NoticeDelayedMessage:           "delayed until {sendAfter}",
	SendError:                      "error for {receiverNumbers}: {error}",
	MissingTokenWithDefaultRoom:    "unknown token, operator informed",
	MissingTokenWithoutDefaultRoom: "unknown token",
}

// sentEvent records a message sent through the fake gateway.
type sentEvent struct {
	RoomID id.RoomID
	Body   string
	AsUser id.UserID
}

// inviteCall records an invite performed through the fake gateway.
type inviteCall struct {
	RoomID id.RoomID
	UserID id.UserID
	AsUser id.UserID
}

// fakeGateway is an in-memory MatrixGateway capturing all calls. When Oracle
// is set, room creations and joins are mirrored into it, matching the
// synchronous membership writes of the production gateway.
type fakeGateway struct {
	mu sync.Mutex

	Oracle *fakeOracle

	nextRoom   int
	Created    []CreateRoomRequest
	CreatedIDs []id.RoomID
	Aliases    map[id.RoomAlias]id.RoomID
	Invites    []inviteCall
	Joins      []inviteCall
	Registered []id.UserID
	Texts      []sentEvent
	Notices    []sentEvent
	RoomNames  map[id.RoomID]string

	SendTextErr   error
	SendNoticeErr error
	CreateErr     error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		Aliases:   make(map[id.RoomAlias]id.RoomID),
		RoomNames: make(map[id.RoomID]string),
	}
}

func (fg *fakeGateway) BotUserID() id.UserID {
	return testBot
}

func (fg *fakeGateway) CreateRoom(_ context.Context, req CreateRoomRequest) (id.RoomID, error) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	if fg.CreateErr != nil {
		return "", fg.CreateErr
	}
	fg.nextRoom++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", fg.nextRoom, testDomain))
	fg.Created = append(fg.Created, req)
	fg.CreatedIDs = append(fg.CreatedIDs, roomID)
	if req.AliasLocalpart != "" {
		fg.Aliases[id.RoomAlias("#"+req.AliasLocalpart+":"+testDomain)] = roomID
	}
	if req.Name != "" {
		fg.RoomNames[roomID] = req.Name
	}
	if fg.Oracle != nil {
		creator := req.AsUser
		if creator == "" {
			creator = testBot
		}
		fg.Oracle.Join(roomID, creator)
	}
	return roomID, nil
}

func (fg *fakeGateway) InviteUser(_ context.Context, roomID id.RoomID, userID, asUser id.UserID) error {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.Invites = append(fg.Invites, inviteCall{RoomID: roomID, UserID: userID, AsUser: asUser})
	return nil
}

func (fg *fakeGateway) EnsureJoined(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.Joins = append(fg.Joins, inviteCall{RoomID: roomID, UserID: userID})
	if fg.Oracle != nil {
		fg.Oracle.Join(roomID, userID)
	}
	return nil
}

func (fg *fakeGateway) EnsureRegistered(_ context.Context, userID id.UserID) error {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.Registered = append(fg.Registered, userID)
	return nil
}

func (fg *fakeGateway) SendText(_ context.Context, roomID id.RoomID, body string, asUser id.UserID) (id.EventID, error) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	if fg.SendTextErr != nil {
		return "", fg.SendTextErr
	}
	fg.Texts = append(fg.Texts, sentEvent{RoomID: roomID, Body: body, AsUser: asUser})
	return id.EventID(fmt.Sprintf("$text%d", len(fg.Texts))), nil
}

func (fg *fakeGateway) SendNotice(_ context.Context, roomID id.RoomID, body string) (id.EventID, error) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	if fg.SendNoticeErr != nil {
		return "", fg.SendNoticeErr
	}
	fg.Notices = append(fg.Notices, sentEvent{RoomID: roomID, Body: body})
	return id.EventID(fmt.Sprintf("$notice%d", len(fg.Notices))), nil
}

func (fg *fakeGateway) ResolveAlias(_ context.Context, alias id.RoomAlias) (id.RoomID, error) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	roomID, ok := fg.Aliases[alias]
	if !ok {
		return "", ErrAliasNotFound
	}
	return roomID, nil
}

func (fg *fakeGateway) GetRoomName(_ context.Context, roomID id.RoomID) (string, error) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return fg.RoomNames[roomID], nil
}

func (fg *fakeGateway) SetRoomName(_ context.Context, roomID id.RoomID, name string) error {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.RoomNames[roomID] = name
	return nil
}

// fakeOracle answers membership questions from an in-memory room map.
type fakeOracle struct {
	mu    sync.Mutex
	Rooms map[id.RoomID]map[id.UserID]bool
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{Rooms: make(map[id.RoomID]map[id.UserID]bool)}
}

func (fo *fakeOracle) Join(roomID id.RoomID, userIDs ...id.UserID) {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	if fo.Rooms[roomID] == nil {
		fo.Rooms[roomID] = make(map[id.UserID]bool)
	}
	for _, userID := range userIDs {
		fo.Rooms[roomID][userID] = true
	}
}

func (fo *fakeOracle) IsMember(_ context.Context, roomID id.RoomID, userID id.UserID) (bool, error) {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	return fo.Rooms[roomID][userID], nil
}

func (fo *fakeOracle) ContainsAll(_ context.Context, roomID id.RoomID, userIDs []id.UserID) (bool, error) {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	for _, userID := range userIDs {
		if !fo.Rooms[roomID][userID] {
			return false, nil
		}
	}
	return true, nil
}

func (fo *fakeOracle) RoomsContainingExactly(_ context.Context, members []id.UserID, ignored id.UserID, limit int) ([]id.RoomID, error) {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	var matches []id.RoomID
	for roomID, roomMembers := range fo.Rooms {
		count := 0
		for member := range roomMembers {
			if member != ignored {
				count++
			}
		}
		if count != len(members) {
			continue
		}
		all := true
		for _, member := range members {
			if !roomMembers[member] {
				all = false
				break
			}
		}
		if all {
			matches = append(matches, roomID)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (fo *fakeOracle) MembersOf(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	var members []id.UserID
	for userID := range fo.Rooms[roomID] {
		members = append(members, userID)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

// fakeMembershipStore mimics the membership table including its unique
// constraints, so the optimistic retry path can be exercised without a
// database.
type fakeMembershipStore struct {
	mu   sync.Mutex
	rows []*store.Membership
}

func (fs *fakeMembershipStore) Get(_ context.Context, userID id.UserID, roomID id.RoomID) (*store.Membership, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, row := range fs.rows {
		if row.UserID == userID && row.RoomID == roomID {
			copied := *row
			return &copied, nil
		}
	}
	return nil, nil
}

func (fs *fakeMembershipStore) GetByToken(_ context.Context, userID id.UserID, token int) (*store.Membership, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, row := range fs.rows {
		if row.UserID == userID && row.Token == token {
			copied := *row
			return &copied, nil
		}
	}
	return nil, nil
}

func (fs *fakeMembershipStore) MaxToken(_ context.Context, userID id.UserID) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	max := 0
	for _, row := range fs.rows {
		if row.UserID == userID && row.Token > max {
			max = row.Token
		}
	}
	return max, nil
}

func (fs *fakeMembershipStore) Insert(_ context.Context, m *store.Membership) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, row := range fs.rows {
		if row.UserID == m.UserID && (row.RoomID == m.RoomID || row.Token == m.Token) {
			return store.ErrDuplicate
		}
	}
	copied := *m
	fs.rows = append(fs.rows, &copied)
	return nil
}

func (fs *fakeMembershipStore) RoomsForUser(_ context.Context, userID id.UserID) ([]id.RoomID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var rooms []*store.Membership
	for _, row := range fs.rows {
		if row.UserID == userID {
			rooms = append(rooms, row)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Token < rooms[j].Token })
	result := make([]id.RoomID, len(rooms))
	for i, row := range rooms {
		result[i] = row.RoomID
	}
	return result, nil
}

// fakeQueueStore is an in-memory queued_message table.
type fakeQueueStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*store.QueuedMessage
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{rows: make(map[int64]*store.QueuedMessage)}
}

func (fq *fakeQueueStore) Insert(_ context.Context, msg *store.QueuedMessage) error {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	fq.nextID++
	msg.ID = fq.nextID
	copied := *msg
	fq.rows[msg.ID] = &copied
	return nil
}

func (fq *fakeQueueStore) Get(_ context.Context, msgID int64) (*store.QueuedMessage, error) {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	row, ok := fq.rows[msgID]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (fq *fakeQueueStore) GetAll(_ context.Context) ([]*store.QueuedMessage, error) {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	ids := make([]int64, 0, len(fq.rows))
	for msgID := range fq.rows {
		ids = append(ids, msgID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	msgs := make([]*store.QueuedMessage, len(ids))
	for i, msgID := range ids {
		copied := *fq.rows[msgID]
		msgs[i] = &copied
	}
	return msgs, nil
}

func (fq *fakeQueueStore) Delete(_ context.Context, msgID int64) error {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	delete(fq.rows, msgID)
	return nil
}

func (fq *fakeQueueStore) Len() int {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	return len(fq.rows)
}

// fakeTransport records outbound SMS.
type fakeTransport struct {
	mu      sync.Mutex
	Sent    []sentSMS
	SendErr error
}

type sentSMS struct {
	Receiver string
	Body     string
}

func (ft *fakeTransport) SendSMS(_ context.Context, receiver, body string) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.SendErr != nil {
		return ft.SendErr
	}
	ft.Sent = append(ft.Sent, sentSMS{Receiver: receiver, Body: body})
	return nil
}

// testEnv bundles a send engine with its fakes and a controllable clock.
type testEnv struct {
	Gateway   *fakeGateway
	Oracle    *fakeOracle
	Queue     *fakeQueueStore
	Scheduler *Scheduler
	Engine    *SendEngine
	Now       time.Time
}

func newTestEnv(singleMode bool) *testEnv {
	env := &testEnv{
		Gateway: newFakeGateway(),
		Oracle:  newFakeOracle(),
		Queue:   newFakeQueueStore(),
		Now:     time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	env.Gateway.Oracle = env.Oracle
	log := zerolog.Nop()
	env.Scheduler = NewScheduler(env.Queue, env.Gateway, env.Oracle, log)
	env.Scheduler.clock = func() time.Time { return env.Now }
	templates := testTemplates
	env.Engine = NewSendEngine(env.Gateway, env.Oracle, env.Scheduler, &templates, testDomain, singleMode, log)
	env.Engine.clock = env.Scheduler.clock
	return env
}

func (env *testEnv) Advance(d time.Duration) {
	env.Now = env.Now.Add(d)
}

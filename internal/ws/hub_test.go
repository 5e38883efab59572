package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/iamarpitsharma/Cryptalk/internal/config"
	"github.com/iamarpitsharma/Cryptalk/internal/models"
	"github.com/iamarpitsharma/Cryptalk/internal/store"
)

// fakeStore 是 Store 的内存实现，语义与 Mongo 版一致：
// 单个待处理请求、单赢家状态转移、幂等的成员添加与查看记录。
type fakeStore struct {
	mu       sync.Mutex
	rooms    map[string]*models.Room
	requests map[string]*models.PendingRequest
	messages map[string]*models.Message
	online   map[string]bool
	activity map[string]int
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:    make(map[string]*models.Room),
		requests: make(map[string]*models.PendingRequest),
		messages: make(map[string]*models.Message),
		online:   make(map[string]bool),
		activity: make(map[string]int),
	}
}

func hexID() string { return primitive.NewObjectID().Hex() }

func oid(hex string) primitive.ObjectID {
	id, _ := primitive.ObjectIDFromHex(hex)
	return id
}

func copyRoom(r *models.Room) *models.Room {
	cp := *r
	cp.Members = append([]models.RoomMember(nil), r.Members...)
	return &cp
}

func (f *fakeStore) addRoom(creatorID string, maxMembers int, memberIDs ...string) *models.Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := &models.Room{
		ID:         primitive.NewObjectID(),
		Name:       "room",
		IsPrivate:  true,
		Creator:    oid(creatorID),
		MaxMembers: maxMembers,
		Members:    []models.RoomMember{{User: oid(creatorID), Role: models.RoleAdmin, JoinedAt: time.Now()}},
	}
	for _, m := range memberIDs {
		room.Members = append(room.Members, models.RoomMember{User: oid(m), Role: models.RoleMember, JoinedAt: time.Now()})
	}
	f.rooms[room.ID.Hex()] = room
	return room
}

func (f *fakeStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyRoom(r), nil
}

func (f *fakeStore) RoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Room
	for _, r := range f.rooms {
		if r.IsMember(userID) {
			out = append(out, *copyRoom(r))
		}
	}
	return out, nil
}

func (f *fakeStore) AddMember(ctx context.Context, roomID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[roomID]
	if !ok {
		return store.ErrNotFound
	}
	if r.IsMember(userID) {
		return nil
	}
	r.Members = append(r.Members, models.RoomMember{User: oid(userID), Role: role, JoinedAt: time.Now()})
	return nil
}

func (f *fakeStore) UpdateActivity(ctx context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity[roomID]++
	return nil
}

func (f *fakeStore) SetOnline(ctx context.Context, userID string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = online
	return nil
}

func (f *fakeStore) InsertPendingIfAbsent(ctx context.Context, roomID, requesterID, requesterName string, ttl time.Duration) (*models.PendingRequest, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.requests {
		if req.RoomID.Hex() == roomID && req.RequesterID.Hex() == requesterID &&
			req.Status == models.RequestPending && req.ExpiresAt.After(time.Now()) {
			cp := *req
			return &cp, false, nil
		}
	}
	req := &models.PendingRequest{
		ID:            primitive.NewObjectID(),
		RoomID:        oid(roomID),
		RequesterID:   oid(requesterID),
		RequesterName: requesterName,
		Status:        models.RequestPending,
		ExpiresAt:     time.Now().Add(ttl),
		CreatedAt:     time.Now(),
	}
	f.requests[req.ID.Hex()] = req
	cp := *req
	return &cp, true, nil
}

func (f *fakeStore) FindPending(ctx context.Context, roomID, requesterID string) (*models.PendingRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.requests {
		if req.RoomID.Hex() == roomID && req.RequesterID.Hex() == requesterID &&
			req.Status == models.RequestPending && req.ExpiresAt.After(time.Now()) {
			cp := *req
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ResolvePending(ctx context.Context, requestID, roomID, requesterID, status string) (*models.PendingRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[requestID]
	if !ok || req.RoomID.Hex() != roomID || req.RequesterID.Hex() != requesterID ||
		req.Status != models.RequestPending || !req.ExpiresAt.After(time.Now()) {
		return nil, store.ErrNotFound
	}
	now := time.Now()
	req.Status = status
	req.ResolvedAt = &now
	cp := *req
	return &cp, nil
}

func (f *fakeStore) ListPendingForApprover(ctx context.Context, userID string) ([]models.PendingRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PendingRequest
	for _, r := range f.rooms {
		if !r.CanApprove(userID) {
			continue
		}
		for _, req := range f.requests {
			if req.RoomID == r.ID && req.Status == models.RequestPending && req.ExpiresAt.After(time.Now()) {
				out = append(out, *req)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.ID = primitive.NewObjectID()
	msg.CreatedAt = time.Now()
	cp := *msg
	f.messages[msg.ID.Hex()] = &cp
	return nil
}

func (f *fakeStore) MarkViewed(ctx context.Context, messageID, userID string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	seen := false
	for _, v := range msg.ViewedBy {
		if v.User.Hex() == userID {
			seen = true
			break
		}
	}
	if !seen {
		msg.ViewedBy = append(msg.ViewedBy, models.MessageView{User: oid(userID), ViewedAt: time.Now()})
	}
	cp := *msg
	return &cp, nil
}

func (f *fakeStore) MarkDestroyed(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	msg.IsDeleted = true
	msg.DeletedAt = &now
	msg.Content = store.DestroyedMarker
	return nil
}

func (f *fakeStore) pendingCount(roomID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.requests {
		if req.RoomID.Hex() == roomID && req.Status == models.RequestPending {
			n++
		}
	}
	return n
}

func (f *fakeStore) message(id string) *models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return nil
	}
	cp := *msg
	return &cp
}

func (f *fakeStore) isOnline(userID string) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.online[userID]
	return v, ok
}

func newTestHub(fs *fakeStore) *Hub {
	return NewHub(fs, config.Config{PendingRequestTTLHours: 24, MaxSelfDestructSeconds: 300})
}

func recvEvent(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	select {
	case b := <-c.send:
		var m map[string]interface{}
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return m
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func tryRecv(c *Client) (map[string]interface{}, bool) {
	select {
	case b := <-c.send:
		var m map[string]interface{}
		_ = json.Unmarshal(b, &m)
		return m, true
	default:
		return nil, false
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func TestRequestJoin_MemberResubscribes(t *testing.T) {
	fs := newFakeStore()
	u := hexID()
	room := fs.addRoom(u, 0)
	h := newTestHub(fs)
	c := newTestClient(u, "alice")
	h.presence.Add(c)

	h.RequestJoin(context.Background(), c, room.ID.Hex())

	evt := recvEvent(t, c)
	if evt["type"] != EventJoinResult || evt["accepted"] != true {
		t.Errorf("got %v, want accepted join_result", evt)
	}
	if !c.inRoom(room.ID.Hex()) {
		t.Error("member not subscribed after request")
	}
	if got := fs.pendingCount(room.ID.Hex()); got != 0 {
		t.Errorf("pending requests = %d, want 0", got)
	}
}

func TestRequestJoin_CreatorRepairsMembership(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	room := fs.addRoom(creator, 0)
	// 人为制造创建者不在成员列表的存量数据
	fs.mu.Lock()
	fs.rooms[room.ID.Hex()].Members = nil
	fs.mu.Unlock()

	h := newTestHub(fs)
	c := newTestClient(creator, "alice")
	h.presence.Add(c)

	h.RequestJoin(context.Background(), c, room.ID.Hex())

	evt := recvEvent(t, c)
	if evt["accepted"] != true {
		t.Fatalf("creator join_result = %v, want accepted", evt)
	}
	got, _ := fs.GetRoom(context.Background(), room.ID.Hex())
	role, ok := got.MemberRole(creator)
	if !ok || role != models.RoleAdmin {
		t.Errorf("creator role = %q (present=%v), want admin", role, ok)
	}
}

func TestRequestJoin_SinglePendingNotifiesCreator(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	requester := hexID()
	room := fs.addRoom(creator, 0)
	rid := room.ID.Hex()
	h := newTestHub(fs)

	cc := newTestClient(creator, "alice")
	rc := newTestClient(requester, "bob")
	h.presence.Add(cc)
	h.presence.Add(rc)

	h.RequestJoin(context.Background(), rc, rid)

	evt := recvEvent(t, cc)
	if evt["type"] != EventJoinRequest || evt["requester_id"] != requester {
		t.Errorf("creator got %v, want join_request from %s", evt, requester)
	}
	res := recvEvent(t, rc)
	if res["type"] != EventJoinResult || res["accepted"] != false {
		t.Errorf("requester got %v, want pending join_result", res)
	}

	// 重复请求不产生第二条记录，也不再打扰创建者
	h.RequestJoin(context.Background(), rc, rid)
	dup := recvEvent(t, rc)
	if dup["accepted"] != false {
		t.Errorf("duplicate request got %v, want rejection", dup)
	}
	if _, ok := tryRecv(cc); ok {
		t.Error("creator notified twice for the same requester")
	}
	if got := fs.pendingCount(rid); got != 1 {
		t.Errorf("pending requests = %d, want 1", got)
	}
}

func TestRequestJoin_ConcurrentRequestsSinglePending(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	requester := hexID()
	room := fs.addRoom(creator, 0)
	rid := room.ID.Hex()
	h := newTestHub(fs)

	cc := newTestClient(creator, "alice")
	h.presence.Add(cc)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.RequestJoin(context.Background(), newTestClient(requester, "bob"), rid)
		}()
	}
	wg.Wait()

	if got := fs.pendingCount(rid); got != 1 {
		t.Errorf("pending requests after concurrent joins = %d, want 1", got)
	}
	notifications := 0
	for {
		m, ok := tryRecv(cc)
		if !ok {
			break
		}
		if m["type"] == EventJoinRequest {
			notifications++
		}
	}
	if notifications != 1 {
		t.Errorf("creator notified %d times, want 1", notifications)
	}
}

func TestRespondJoin_ApproveAddsAndSubscribes(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	requester := hexID()
	room := fs.addRoom(creator, 0)
	rid := room.ID.Hex()
	h := newTestHub(fs)

	cc := newTestClient(creator, "alice")
	rc := newTestClient(requester, "bob")
	h.presence.Add(cc)
	h.presence.Add(rc)
	h.subscribe(cc, rid)

	h.RequestJoin(context.Background(), rc, rid)
	req := recvEvent(t, cc)
	drain(rc)

	h.RespondJoin(context.Background(), cc, Action{
		RoomID:      rid,
		RequesterID: requester,
		RequestID:   req["request_id"].(string),
		Accepted:    true,
	})

	res := recvEvent(t, rc)
	if res["type"] != EventJoinResult || res["accepted"] != true {
		t.Fatalf("requester got %v, want accepted join_result", res)
	}
	if !rc.inRoom(rid) {
		t.Error("requester conn not subscribed after approval")
	}
	joined := recvEvent(t, rc)
	if joined["type"] != EventUserJoined {
		t.Errorf("requester got %v, want user_joined", joined)
	}
	got, _ := fs.GetRoom(context.Background(), rid)
	if role, ok := got.MemberRole(requester); !ok || role != models.RoleMember {
		t.Errorf("requester role = %q (present=%v), want member", role, ok)
	}
}

func TestRespondJoin_SecondResponseLoses(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	requester := hexID()
	room := fs.addRoom(creator, 0)
	rid := room.ID.Hex()
	h := newTestHub(fs)

	cc := newTestClient(creator, "alice")
	h.presence.Add(cc)
	h.RequestJoin(context.Background(), newTestClient(requester, "bob"), rid)
	req := recvEvent(t, cc)
	reqID := req["request_id"].(string)

	h.RespondJoin(context.Background(), cc, Action{RoomID: rid, RequesterID: requester, RequestID: reqID, Accepted: true})
	drain(cc)

	// 第二次响应撞上已决请求
	h.RespondJoin(context.Background(), cc, Action{RoomID: rid, RequesterID: requester, RequestID: reqID, Accepted: false})
	evt := recvEvent(t, cc)
	if evt["type"] != EventError {
		t.Fatalf("second response got %v, want error event", evt)
	}
	got, _ := fs.GetRoom(context.Background(), rid)
	if !got.IsMember(requester) {
		t.Error("denial after approval removed the member")
	}
}

func TestRespondJoin_RequiresApprover(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	member := hexID()
	requester := hexID()
	room := fs.addRoom(creator, 0, member)
	rid := room.ID.Hex()
	h := newTestHub(fs)

	h.RequestJoin(context.Background(), newTestClient(requester, "bob"), rid)

	mc := newTestClient(member, "carol")
	h.presence.Add(mc)
	h.RespondJoin(context.Background(), mc, Action{RoomID: rid, RequesterID: requester, Accepted: true})

	evt := recvEvent(t, mc)
	if evt["type"] != EventError {
		t.Fatalf("member response got %v, want error event", evt)
	}
	if got := fs.pendingCount(rid); got != 1 {
		t.Errorf("pending requests = %d, want 1 (untouched)", got)
	}
}

func TestRespondJoin_FullRoomRejected(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	requester := hexID()
	room := fs.addRoom(creator, 1)
	rid := room.ID.Hex()
	h := newTestHub(fs)

	h.RequestJoin(context.Background(), newTestClient(requester, "bob"), rid)

	cc := newTestClient(creator, "alice")
	h.presence.Add(cc)
	h.RespondJoin(context.Background(), cc, Action{RoomID: rid, RequesterID: requester, Accepted: true})

	evt := recvEvent(t, cc)
	if evt["type"] != EventError || evt["message"] != ErrCapacity.Error() {
		t.Fatalf("got %v, want capacity error", evt)
	}
	if got := fs.pendingCount(rid); got != 1 {
		t.Errorf("pending requests = %d, want 1 (still pending)", got)
	}
}

func TestRespondJoin_WithoutRequestID(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	requester := hexID()
	room := fs.addRoom(creator, 0)
	rid := room.ID.Hex()
	h := newTestHub(fs)

	h.RequestJoin(context.Background(), newTestClient(requester, "bob"), rid)

	cc := newTestClient(creator, "alice")
	h.presence.Add(cc)
	h.RespondJoin(context.Background(), cc, Action{RoomID: rid, RequesterID: requester, Accepted: true})

	got, _ := fs.GetRoom(context.Background(), rid)
	if !got.IsMember(requester) {
		t.Error("requester not added when request_id omitted")
	}
}

func TestRespondJoin_OfflineRequesterPersists(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	requester := hexID()
	room := fs.addRoom(creator, 0)
	rid := room.ID.Hex()
	h := newTestHub(fs)

	h.RequestJoin(context.Background(), newTestClient(requester, "bob"), rid)

	cc := newTestClient(creator, "alice")
	h.presence.Add(cc)
	h.RespondJoin(context.Background(), cc, Action{RoomID: rid, RequesterID: requester, Accepted: true})

	got, _ := fs.GetRoom(context.Background(), rid)
	if !got.IsMember(requester) {
		t.Fatal("offline requester not persisted as member")
	}

	// 之后上线时自动订阅该房间
	rc := newTestClient(requester, "bob")
	if err := h.Connect(context.Background(), rc); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !rc.inRoom(rid) {
		t.Error("reconnected member not auto-subscribed")
	}
}

func TestConnect_ReplaysPendingToApprover(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	requester := hexID()
	room := fs.addRoom(creator, 0)
	rid := room.ID.Hex()
	h := newTestHub(fs)

	// 审批人不在线时产生请求
	h.RequestJoin(context.Background(), newTestClient(requester, "bob"), rid)

	cc := newTestClient(creator, "alice")
	if err := h.Connect(context.Background(), cc); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	evt := recvEvent(t, cc)
	if evt["type"] != EventJoinRequest || evt["requester_id"] != requester {
		t.Errorf("replayed event = %v, want join_request from %s", evt, requester)
	}
	if online, ok := fs.isOnline(creator); !ok || !online {
		t.Error("first connection did not mark user online")
	}
}

func TestSendMessage_FanoutAndArm(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	member := hexID()
	room := fs.addRoom(creator, 0, member)
	rid := room.ID.Hex()
	h := newTestHub(fs)

	c1 := newTestClient(creator, "alice")
	c2 := newTestClient(member, "bob")
	h.subscribe(c1, rid)
	h.subscribe(c2, rid)

	h.SendMessage(context.Background(), c1, Action{RoomID: rid, Content: "hello", SelfDestruct: 60})

	for _, c := range []*Client{c1, c2} {
		evt := recvEvent(t, c)
		if evt["type"] != EventNewMessage || evt["content"] != "hello" {
			t.Errorf("got %v, want new_message", evt)
		}
		msgID := evt["id"].(string)
		if msg := fs.message(msgID); msg == nil || msg.SelfDestruct != 60 {
			t.Errorf("stored message = %+v, want self_destruct 60", msg)
		}
		if !h.destruct.Armed(msgID) {
			t.Error("self-destruct timer not armed on send")
		}
	}
}

func TestSendMessage_ClampsSelfDestruct(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	room := fs.addRoom(creator, 0)
	rid := room.ID.Hex()
	h := newTestHub(fs)

	c := newTestClient(creator, "alice")
	h.subscribe(c, rid)
	h.SendMessage(context.Background(), c, Action{RoomID: rid, Content: "hi", SelfDestruct: 100000})

	evt := recvEvent(t, c)
	msg := fs.message(evt["id"].(string))
	if msg == nil || msg.SelfDestruct != 300 {
		t.Errorf("stored self_destruct = %+v, want clamp to 300", msg)
	}
}

func TestSendMessage_NonMemberDenied(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	outsider := hexID()
	room := fs.addRoom(creator, 0)
	h := newTestHub(fs)

	c := newTestClient(outsider, "mallory")
	h.SendMessage(context.Background(), c, Action{RoomID: room.ID.Hex(), Content: "hi"})

	evt := recvEvent(t, c)
	if evt["type"] != EventError || evt["message"] != ErrForbidden.Error() {
		t.Errorf("got %v, want access denied error", evt)
	}
	fs.mu.Lock()
	n := len(fs.messages)
	fs.mu.Unlock()
	if n != 0 {
		t.Errorf("messages stored = %d, want 0", n)
	}
}

func TestSendMessage_EmptyRejected(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	room := fs.addRoom(creator, 0)
	h := newTestHub(fs)

	c := newTestClient(creator, "alice")
	h.subscribe(c, room.ID.Hex())
	h.SendMessage(context.Background(), c, Action{RoomID: room.ID.Hex(), Content: "   "})

	evt := recvEvent(t, c)
	if evt["type"] != EventError {
		t.Errorf("got %v, want error event for blank message", evt)
	}
	fs.mu.Lock()
	n := len(fs.messages)
	fs.mu.Unlock()
	if n != 0 {
		t.Errorf("messages stored = %d, want 0", n)
	}
}

func TestViewMessage_ArmsOnceAndRecordsViewer(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	member := hexID()
	room := fs.addRoom(creator, 0, member)
	h := newTestHub(fs)

	msg := &models.Message{RoomID: room.ID, Sender: oid(creator), Content: "secret", SelfDestruct: 60}
	if err := fs.SaveMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	msgID := msg.ID.Hex()

	viewer := newTestClient(member, "bob")
	h.ViewMessage(context.Background(), viewer, msgID)
	h.ViewMessage(context.Background(), viewer, msgID)

	if !h.destruct.Armed(msgID) {
		t.Error("viewing did not arm the timer")
	}
	got := fs.message(msgID)
	if len(got.ViewedBy) != 1 {
		t.Errorf("viewed_by has %d entries, want 1", len(got.ViewedBy))
	}
}

func TestViewMessage_DeletedNotRearmed(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	room := fs.addRoom(creator, 0)
	h := newTestHub(fs)

	msg := &models.Message{RoomID: room.ID, Sender: oid(creator), Content: "secret", SelfDestruct: 60}
	_ = fs.SaveMessage(context.Background(), msg)
	_ = fs.MarkDestroyed(context.Background(), msg.ID.Hex())

	h.ViewMessage(context.Background(), newTestClient(creator, "alice"), msg.ID.Hex())
	if h.destruct.Armed(msg.ID.Hex()) {
		t.Error("destroyed message was re-armed")
	}
}

func TestLeave_BroadcastsUserLeft(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	member := hexID()
	room := fs.addRoom(creator, 0, member)
	rid := room.ID.Hex()
	h := newTestHub(fs)

	c1 := newTestClient(creator, "alice")
	c2 := newTestClient(member, "bob")
	h.subscribe(c1, rid)
	h.subscribe(c2, rid)

	h.Leave(c2, rid)

	if c2.inRoom(rid) {
		t.Error("client still subscribed after leave")
	}
	evt := recvEvent(t, c1)
	if evt["type"] != EventUserLeft || evt["user_id"] != member {
		t.Errorf("got %v, want user_left from %s", evt, member)
	}
}

func TestTyping_ExcludesSender(t *testing.T) {
	fs := newFakeStore()
	creator := hexID()
	member := hexID()
	room := fs.addRoom(creator, 0, member)
	rid := room.ID.Hex()
	h := newTestHub(fs)

	c1 := newTestClient(creator, "alice")
	c2 := newTestClient(member, "bob")
	h.subscribe(c1, rid)
	h.subscribe(c2, rid)

	h.Typing(c1, rid, true)

	evt := recvEvent(t, c2)
	if evt["type"] != EventUserTyping {
		t.Errorf("got %v, want user_typing", evt)
	}
	if _, ok := tryRecv(c1); ok {
		t.Error("typing echoed back to sender")
	}
}

func TestDisconnect_LastConnectionGoesOffline(t *testing.T) {
	fs := newFakeStore()
	u1 := hexID()
	u2 := hexID()
	room := fs.addRoom(u1, 0, u2)
	rid := room.ID.Hex()
	h := newTestHub(fs)

	c1 := newTestClient(u1, "alice")
	if err := h.Connect(context.Background(), c1); err != nil {
		t.Fatal(err)
	}
	c2 := newTestClient(u2, "bob")
	h.presence.Add(c2)
	h.subscribe(c2, rid)
	drain(c2)

	h.Disconnect(c1)

	if online, _ := fs.isOnline(u1); online {
		t.Error("user still marked online after last disconnect")
	}
	evt := recvEvent(t, c2)
	if evt["type"] != EventUserOffline || evt["user_id"] != u1 {
		t.Errorf("got %v, want user_offline from %s", evt, u1)
	}
	if got := h.Online(rid); got != 1 {
		t.Errorf("room subscribers = %d, want 1", got)
	}
}

func TestDisconnect_OfflineFollowsMembership(t *testing.T) {
	fs := newFakeStore()
	u1 := hexID()
	u2 := hexID()
	room := fs.addRoom(u1, 0, u2)
	rid := room.ID.Hex()
	h := newTestHub(fs)

	c1 := newTestClient(u1, "alice")
	if err := h.Connect(context.Background(), c1); err != nil {
		t.Fatal(err)
	}
	c2 := newTestClient(u2, "bob")
	h.presence.Add(c2)
	h.subscribe(c2, rid)
	drain(c2)

	// 退订房间但保留成员资格
	h.Leave(c1, rid)
	evt := recvEvent(t, c2)
	if evt["type"] != EventUserLeft {
		t.Fatalf("got %v, want user_left", evt)
	}

	h.Disconnect(c1)

	evt = recvEvent(t, c2)
	if evt["type"] != EventUserOffline || evt["user_id"] != u1 {
		t.Errorf("got %v, want user_offline from %s (membership outlives subscription)", evt, u1)
	}
}

func TestDisconnect_OtherConnectionsStayOnline(t *testing.T) {
	fs := newFakeStore()
	u1 := hexID()
	u2 := hexID()
	room := fs.addRoom(u1, 0, u2)
	rid := room.ID.Hex()
	h := newTestHub(fs)

	c1a := newTestClient(u1, "alice")
	c1b := newTestClient(u1, "alice")
	if err := h.Connect(context.Background(), c1a); err != nil {
		t.Fatal(err)
	}
	if err := h.Connect(context.Background(), c1b); err != nil {
		t.Fatal(err)
	}
	c2 := newTestClient(u2, "bob")
	h.presence.Add(c2)
	h.subscribe(c2, rid)
	drain(c2)

	h.Disconnect(c1a)

	if online, ok := fs.isOnline(u1); !ok || !online {
		t.Error("user went offline while another connection is alive")
	}
	if _, ok := tryRecv(c2); ok {
		t.Error("user_offline broadcast while another connection is alive")
	}
}

func TestHub_OnlineCounts(t *testing.T) {
	fs := newFakeStore()
	h := newTestHub(fs)
	if got := h.Online("unknown"); got != 0 {
		t.Errorf("Online(unknown) = %d, want 0", got)
	}
	c := newTestClient(hexID(), "alice")
	h.subscribe(c, "r1")
	if got := h.Online("r1"); got != 1 {
		t.Errorf("Online(r1) = %d, want 1", got)
	}
	h.unsubscribe(c, "r1")
	if got := h.Online("r1"); got != 0 {
		t.Errorf("Online(r1) after unsubscribe = %d, want 0", got)
	}
}

package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type stubSource struct {
	mu    sync.Mutex
	items []ImageItem
	err   error
	calls int

	started chan struct{} // signaled when a fetch begins, if non-nil
	release chan struct{} // fetch blocks until closed, if non-nil
}

func (s *stubSource) Fetch(ctx context.Context, category string) ([]ImageItem, error) {
	s.mu.Lock()
	s.calls++
	items := s.items
	err := s.err
	s.mu.Unlock()

	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}

	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubSource) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func testConfig() *Config {
	return &Config{
		roomCapacity:  10,
		itemsPerRound: 2,
		fetchTimeout:  5 * time.Second,
	}
}

func testItems() []ImageItem {
	return []ImageItem{
		{ImageSrc: "https://example.com/a.jpg", Name: "Alpha"},
		{ImageSrc: "https://example.com/b.jpg", Name: "Beta"},
	}
}

func newTestClient() *Client {
	return &Client{
		send: make(chan any, 16),
		id:   uuid.NewString(),
	}
}

func drain(c *Client) []any {
	var msgs []any
	for {
		select {
		case m, ok := <-c.send:
			if !ok {
				return msgs
			}
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func messageType(msg any) string {
	switch m := msg.(type) {
	case SimpleMessage:
		return m.Type
	case StartGameMessage:
		return m.Type
	case GameOverMessage:
		return m.Type
	}
	return ""
}

func countType(msgs []any, want string) int {
	count := 0
	for _, m := range msgs {
		if messageType(m) == want {
			count++
		}
	}
	return count
}

func joinPlayers(t *testing.T, reg *Registry, roomID, category string, names ...string) []*Client {
	t.Helper()

	clients := make([]*Client, 0, len(names))
	for _, name := range names {
		c := newTestClient()
		reg.handleJoin(c, ClientMessage{Type: "joinRoom", PlayerName: name, RoomID: roomID, Category: category})
		clients = append(clients, c)
	}
	return clients
}

func submit(reg *Registry, c *Client, score int) {
	reg.handleSubmit(c, ClientMessage{Type: "submitAnswers", Answers: []string{"a", "b"}, Score: &score})
}

func TestFirstJoinerIsCreator(t *testing.T) {
	reg := newRegistry(testConfig(), &stubSource{items: testItems()})

	clients := joinPlayers(t, reg, "attic", "faces", "P1", "P2", "P3")

	for i, c := range clients {
		got := countType(drain(c), "roomCreator")
		if i == 0 && got != 1 {
			t.Fatalf("expected first joiner to receive roomCreator once, got %d", got)
		}
		if i > 0 && got != 0 {
			t.Fatalf("expected joiner %d to receive no roomCreator, got %d", i+1, got)
		}
	}

	room := reg.rooms["attic"]
	if room == nil {
		t.Fatal("expected room to exist")
	}
	if room.authority != clients[0].id {
		t.Fatalf("expected authority %s, got %s", clients[0].id, room.authority)
	}
	if room.category != "faces" {
		t.Fatalf("expected category faces, got %s", room.category)
	}
}

func TestJoinBeyondCapacityRejected(t *testing.T) {
	cfg := testConfig()
	cfg.roomCapacity = 2
	reg := newRegistry(cfg, &stubSource{items: testItems()})

	clients := joinPlayers(t, reg, "attic", "faces", "P1", "P2", "P3")

	rejected := drain(clients[2])
	if countType(rejected, "roomFull") != 1 {
		t.Fatalf("expected third joiner to receive roomFull, got %v", rejected)
	}

	room := reg.rooms["attic"]
	if len(room.members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(room.members))
	}
	if clients[2].roomID != "" {
		t.Fatalf("expected rejected joiner to have no room, got %q", clients[2].roomID)
	}
}

func TestMalformedJoinRejected(t *testing.T) {
	reg := newRegistry(testConfig(), &stubSource{items: testItems()})

	for _, msg := range []ClientMessage{
		{Type: "joinRoom", PlayerName: "", RoomID: "attic"},
		{Type: "joinRoom", PlayerName: "P1", RoomID: ""},
	} {
		c := newTestClient()
		reg.handleJoin(c, msg)

		if countType(drain(c), "error") != 1 {
			t.Fatalf("expected error for join %+v", msg)
		}
	}

	if len(reg.rooms) != 0 {
		t.Fatalf("expected no rooms, got %d", len(reg.rooms))
	}
}

func TestGameOverOnceRegardlessOfSubmitOrder(t *testing.T) {
	reg := newRegistry(testConfig(), &stubSource{items: testItems()})

	clients := joinPlayers(t, reg, "attic", "faces", "P1", "P2", "P3")
	reg.handleStart(clients[0])

	for _, c := range clients {
		if countType(drain(c), "startGame") != 1 {
			t.Fatal("expected every member to receive the round payload")
		}
	}

	// Out-of-order submissions: P3, then P1, then P2.
	submit(reg, clients[2], 1)
	submit(reg, clients[0], 3)

	for _, c := range clients {
		if countType(drain(c), "gameOver") != 0 {
			t.Fatal("gameOver broadcast before quorum was reached")
		}
	}

	submit(reg, clients[1], 2)

	for _, c := range clients {
		if countType(drain(c), "gameOver") != 1 {
			t.Fatal("expected exactly one gameOver per member")
		}
	}

	if _, exists := reg.rooms["attic"]; exists {
		t.Fatal("expected room to be dissolved after gameOver")
	}
}

func TestRankingTiesBrokenByJoinOrder(t *testing.T) {
	reg := newRegistry(testConfig(), &stubSource{items: testItems()})

	clients := joinPlayers(t, reg, "attic", "faces", "P1", "P2", "P3")
	reg.handleStart(clients[0])

	submit(reg, clients[0], 3)
	submit(reg, clients[1], 5)
	for _, c := range clients {
		drain(c)
	}
	submit(reg, clients[2], 5)

	var over *GameOverMessage
	for _, m := range drain(clients[0]) {
		if g, ok := m.(GameOverMessage); ok {
			over = &g
		}
	}
	if over == nil {
		t.Fatal("expected gameOver broadcast")
	}

	want := []PlayerResult{{"P2", 5}, {"P3", 5}, {"P1", 3}}
	if len(over.Results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(over.Results))
	}
	for i, w := range want {
		if over.Results[i] != w {
			t.Fatalf("result %d: expected %+v, got %+v", i, w, over.Results[i])
		}
	}
}

func TestResubmissionOverwritesScore(t *testing.T) {
	reg := newRegistry(testConfig(), &stubSource{items: testItems()})

	clients := joinPlayers(t, reg, "attic", "faces", "P1", "P2")
	reg.handleStart(clients[0])

	submit(reg, clients[0], 1)
	submit(reg, clients[0], 5)
	for _, c := range clients {
		drain(c)
	}
	submit(reg, clients[1], 2)

	var over *GameOverMessage
	for _, m := range drain(clients[1]) {
		if g, ok := m.(GameOverMessage); ok {
			over = &g
		}
	}
	if over == nil {
		t.Fatal("expected gameOver broadcast")
	}
	if over.Results[0].PlayerName != "P1" || over.Results[0].Score != 5 {
		t.Fatalf("expected resubmitted score to win, got %+v", over.Results[0])
	}
}

func TestRoomIDFreedAfterGameOver(t *testing.T) {
	reg := newRegistry(testConfig(), &stubSource{items: testItems()})

	clients := joinPlayers(t, reg, "attic", "faces", "P1", "P2")
	reg.handleStart(clients[0])
	submit(reg, clients[0], 1)
	submit(reg, clients[1], 2)

	if _, exists := reg.rooms["attic"]; exists {
		t.Fatal("expected room to be dissolved")
	}

	// The same id now names a brand-new room with a fresh authority.
	fresh := newTestClient()
	reg.handleJoin(fresh, ClientMessage{Type: "joinRoom", PlayerName: "P4", RoomID: "attic", Category: "unesco"})

	if countType(drain(fresh), "roomCreator") != 1 {
		t.Fatal("expected rejoiner to become the new room creator")
	}

	room := reg.rooms["attic"]
	if room.authority != fresh.id || len(room.members) != 1 || room.category != "unesco" {
		t.Fatalf("expected fresh room state, got %+v", room)
	}
}

func TestUnauthorizedStartRejected(t *testing.T) {
	source := &stubSource{items: testItems()}
	reg := newRegistry(testConfig(), source)

	clients := joinPlayers(t, reg, "attic", "faces", "P1", "P2")
	reg.handleStart(clients[1])

	if countType(drain(clients[1]), "error") != 1 {
		t.Fatal("expected non-authority starter to receive an error")
	}
	if source.callCount() != 0 {
		t.Fatalf("expected no fetch, got %d", source.callCount())
	}
}

func TestAdapterFailureLeavesRoomOpen(t *testing.T) {
	source := &stubSource{items: testItems(), err: errors.New("image host unreachable")}
	reg := newRegistry(testConfig(), source)

	clients := joinPlayers(t, reg, "attic", "faces", "P1", "P2")
	reg.handleStart(clients[0])

	for _, c := range clients {
		msgs := drain(c)
		if countType(msgs, "error") != 1 {
			t.Fatalf("expected a single error broadcast, got %v", msgs)
		}
		if countType(msgs, "startGame") != 0 {
			t.Fatal("expected no round payload after adapter failure")
		}
	}

	room := reg.rooms["attic"]
	if room == nil {
		t.Fatal("expected room to remain open")
	}
	if room.inFlight {
		t.Fatal("expected in-flight flag to be cleared")
	}

	// The authority may retry.
	source.setError(nil)
	reg.handleStart(clients[0])

	for _, c := range clients {
		if countType(drain(c), "startGame") != 1 {
			t.Fatal("expected retried start to broadcast the payload")
		}
	}
}

func TestShortPayloadTreatedAsFailure(t *testing.T) {
	source := &stubSource{items: testItems()[:1]}
	reg := newRegistry(testConfig(), source)

	clients := joinPlayers(t, reg, "attic", "faces", "P1", "P2")
	reg.handleStart(clients[0])

	for _, c := range clients {
		msgs := drain(c)
		if countType(msgs, "error") != 1 || countType(msgs, "startGame") != 0 {
			t.Fatalf("expected error without payload, got %v", msgs)
		}
	}
	if reg.rooms["attic"] == nil {
		t.Fatal("expected room to remain open")
	}
}

func TestSecondStartIgnoredWhileFetchPending(t *testing.T) {
	source := &stubSource{
		items:   testItems(),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	reg := newRegistry(testConfig(), source)

	clients := joinPlayers(t, reg, "attic", "faces", "P1", "P2")

	done := make(chan struct{})
	go func() {
		reg.handleStart(clients[0])
		close(done)
	}()
	<-source.started

	// Second start while the fetch is pending must not trigger another fetch.
	reg.handleStart(clients[0])
	if source.callCount() != 1 {
		t.Fatalf("expected a single fetch, got %d", source.callCount())
	}

	close(source.release)
	<-done

	for _, c := range clients {
		if countType(drain(c), "startGame") != 1 {
			t.Fatal("expected exactly one round payload per member")
		}
	}
}

func TestFetchResolvingAfterDissolutionIsDropped(t *testing.T) {
	source := &stubSource{
		items:   testItems(),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	reg := newRegistry(testConfig(), source)

	clients := joinPlayers(t, reg, "attic", "faces", "P1", "P2")

	done := make(chan struct{})
	go func() {
		reg.handleStart(clients[0])
		close(done)
	}()
	<-source.started

	// Quorum is reached while the fetch is still pending, dissolving the room.
	submit(reg, clients[0], 1)
	submit(reg, clients[1], 2)

	close(source.release)
	<-done

	for _, c := range clients {
		msgs := drain(c)
		if countType(msgs, "gameOver") != 1 {
			t.Fatal("expected the round to finish on quorum")
		}
		if countType(msgs, "startGame") != 0 {
			t.Fatal("expected no payload broadcast into a dissolved room")
		}
	}
}

func TestQuickMatchPairsAndAutostarts(t *testing.T) {
	reg := newRegistry(testConfig(), &stubSource{items: testItems()})

	first := newTestClient()
	reg.handleReady(first, ClientMessage{Type: "playerReady", PlayerName: "Ada"})

	if countType(drain(first), "waitingForOpponent") != 1 {
		t.Fatal("expected first ready player to wait for an opponent")
	}
	if reg.waiting != first {
		t.Fatal("expected first ready player to hold the waiting slot")
	}

	second := newTestClient()
	reg.handleReady(second, ClientMessage{Type: "playerReady", PlayerName: "Bob"})

	if reg.waiting != nil {
		t.Fatal("expected waiting slot to be cleared after pairing")
	}

	// Pairing starts the round without an explicit startGame from either.
	if countType(drain(first), "startGame") != 1 {
		t.Fatal("expected paired player one to receive the payload")
	}
	if countType(drain(second), "startGame") != 1 {
		t.Fatal("expected paired player two to receive the payload")
	}
	if first.roomID == "" || first.roomID != second.roomID {
		t.Fatalf("expected both players in the same room, got %q and %q", first.roomID, second.roomID)
	}
}

func TestWaitingSlotClearedOnDisconnect(t *testing.T) {
	reg := newRegistry(testConfig(), &stubSource{items: testItems()})

	first := newTestClient()
	reg.handleReady(first, ClientMessage{Type: "playerReady", PlayerName: "Ada"})
	reg.handleDisconnect(first)

	if reg.waiting != nil {
		t.Fatal("expected waiting slot to be cleared on disconnect")
	}

	// The next ready player must not be matched against the dead connection.
	second := newTestClient()
	reg.handleReady(second, ClientMessage{Type: "playerReady", PlayerName: "Bob"})

	if countType(drain(second), "waitingForOpponent") != 1 {
		t.Fatal("expected second player to wait, not pair with a dead connection")
	}
}

func TestJoiningRoomGivesUpWaitingSlot(t *testing.T) {
	reg := newRegistry(testConfig(), &stubSource{items: testItems()})

	first := newTestClient()
	reg.handleReady(first, ClientMessage{Type: "playerReady", PlayerName: "Ada"})
	reg.handleJoin(first, ClientMessage{Type: "joinRoom", PlayerName: "Ada", RoomID: "attic", Category: "faces"})

	if reg.waiting != nil {
		t.Fatal("expected waiting slot to be released on room join")
	}
}

func playQuickMatch(t *testing.T, scoreA, scoreB int) GameOverMessage {
	t.Helper()

	reg := newRegistry(testConfig(), &stubSource{items: testItems()})

	first := newTestClient()
	reg.handleReady(first, ClientMessage{Type: "playerReady", PlayerName: "Ada"})
	second := newTestClient()
	reg.handleReady(second, ClientMessage{Type: "playerReady", PlayerName: "Bob"})

	drain(first)
	drain(second)

	submit(reg, first, scoreA)
	submit(reg, second, scoreB)

	for _, m := range drain(first) {
		if g, ok := m.(GameOverMessage); ok {
			return g
		}
	}

	t.Fatal("expected gameOver broadcast")
	return GameOverMessage{}
}

func TestHeadToHeadOutcomes(t *testing.T) {
	tie := playQuickMatch(t, 4, 4)
	if tie.Result != "It's a tie!" {
		t.Fatalf("expected tie outcome, got %q", tie.Result)
	}

	win := playQuickMatch(t, 5, 2)
	if win.Result != "Ada wins!" {
		t.Fatalf("expected Ada to win, got %q", win.Result)
	}
	if win.Results[0].Score != 5 || win.Results[1].Score != 2 {
		t.Fatalf("expected scores [5 2], got %+v", win.Results)
	}
}

func TestDisconnectCompletesQuorum(t *testing.T) {
	reg := newRegistry(testConfig(), &stubSource{items: testItems()})

	clients := joinPlayers(t, reg, "attic", "faces", "P1", "P2", "P3")
	reg.handleStart(clients[0])

	submit(reg, clients[0], 3)
	submit(reg, clients[1], 1)
	for _, c := range clients {
		drain(c)
	}

	// The straggler leaves; the round must finish for the remaining members.
	reg.handleDisconnect(clients[2])

	var over *GameOverMessage
	for _, m := range drain(clients[0]) {
		if g, ok := m.(GameOverMessage); ok {
			over = &g
		}
	}
	if over == nil {
		t.Fatal("expected gameOver after the unsubmitted member left")
	}
	if len(over.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(over.Results))
	}
	if _, exists := reg.rooms["attic"]; exists {
		t.Fatal("expected room to be dissolved")
	}
}

func TestDisconnectOfLastMemberDeletesRoom(t *testing.T) {
	reg := newRegistry(testConfig(), &stubSource{items: testItems()})

	clients := joinPlayers(t, reg, "attic", "faces", "P1")
	reg.handleDisconnect(clients[0])

	if _, exists := reg.rooms["attic"]; exists {
		t.Fatal("expected emptied room to be deleted")
	}
}

func TestDisconnectBeforeJoinIsHarmless(t *testing.T) {
	reg := newRegistry(testConfig(), &stubSource{items: testItems()})

	c := newTestClient()
	reg.handleDisconnect(c)

	if len(reg.rooms) != 0 || reg.waiting != nil {
		t.Fatal("expected registry to be untouched")
	}
}

func TestIdleRoomsAreReaped(t *testing.T) {
	reg := newRegistry(testConfig(), &stubSource{items: testItems()})

	clients := joinPlayers(t, reg, "attic", "faces", "P1")

	reg.mu.Lock()
	reg.rooms["attic"].lastActive = time.Now().Add(-time.Hour)
	reg.mu.Unlock()

	go reg.reaperLoop(50 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for {
		reg.mu.Lock()
		_, exists := reg.rooms["attic"]
		reg.mu.Unlock()

		if !exists {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("idle room was never reaped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if countType(drain(clients[0]), "error") != 1 {
		t.Fatal("expected reaped member to be notified")
	}
}

func TestAuthorityDisconnectOrphansRoom(t *testing.T) {
	source := &stubSource{items: testItems()}
	reg := newRegistry(testConfig(), source)

	clients := joinPlayers(t, reg, "attic", "faces", "P1", "P2")
	reg.handleDisconnect(clients[0])

	room := reg.rooms["attic"]
	if room == nil {
		t.Fatal("expected room to stay open after authority disconnect")
	}
	if room.authority != clients[0].id {
		t.Fatal("expected no authority re-election")
	}

	// Round start is now permanently unavailable for this room.
	reg.handleStart(clients[1])
	if source.callCount() != 0 {
		t.Fatal("expected no fetch for an orphaned room")
	}
}

// Memorybox Memory Game
//
// Players join a shared room (or are paired anonymously), memorize a set of
// labeled images for a fixed interval, then recall the labels from memory.
// Scores are ranked and broadcast once, and the room is torn down.
//
// Features:
// - Single WebSocket endpoint per game at /path/ws; rooms are joined by message
// - First joiner of a room becomes its creator and is the only one who may start
// - Quick match: two anonymous ready players are paired into a generated room
// - Image payloads fetched per room category from pluggable image sources
// - Quorum scoring: the round ends exactly once, when every member has submitted
// - Ranking is descending by score, ties broken by join order
// - Rooms auto-reaped after a configurable idle timeout
// - In-browser QR button to share a room id, backed by go-qrcode

package main

import (
	"context"
	"crypto/rand"
	_ "embed"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type ClientMessage struct {
	Type       string   `json:"type"`                 // "joinRoom", "playerReady", "startGame", "submitAnswers"
	PlayerName string   `json:"playerName,omitempty"` // joinRoom / playerReady
	RoomID     string   `json:"roomId,omitempty"`     // joinRoom
	Category   string   `json:"category,omitempty"`   // joinRoom
	Answers    []string `json:"answers,omitempty"`    // submitAnswers
	Score      *int     `json:"score,omitempty"`      // submitAnswers
}

// SimpleMessage is for notifications that carry at most a line of text
// ("roomCreator", "roomFull", "waitingForPlayers", "waitingForOpponent", "error").
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// StartGameMessage carries the round payload, identical for every member.
type StartGameMessage struct {
	Type   string      `json:"type"` // "startGame"
	Images []ImageItem `json:"images"`
}

type PlayerResult struct {
	PlayerName string `json:"playerName"`
	Score      int    `json:"score"`
}

// GameOverMessage is the single terminal broadcast per round. Results are
// ranked; position is implied by array order. Result carries the textual
// outcome for head-to-head rooms.
type GameOverMessage struct {
	Type    string         `json:"type"` // "gameOver"
	Results []PlayerResult `json:"results"`
	Result  string         `json:"result,omitempty"`
}

type Client struct {
	conn *websocket.Conn
	send chan any
	id   string // unique per live connection

	// Remaining fields are owned by the Registry and guarded by its mutex.
	name    string
	roomID  string
	answers []string
	score   *int
	gone    bool // send channel closed, no further writes allowed
}

// Room holds one round's worth of shared state. Dissolved (deleted from the
// registry) exactly when every current member has submitted a score.
type Room struct {
	id        string
	capacity  int
	category  string
	authority string    // connection id of the first joiner; set once
	members   []*Client // insertion order = join order
	payload   []ImageItem
	inFlight  bool // a fetch for this room is pending
	duel      bool // two-player quick-match room with a textual outcome

	lastActive time.Time
}

// Registry maps room ids to rooms and holds the single anonymous waiting
// slot. All handler methods take the one lock, so room mutations within a
// handler are atomic with respect to every other connection.
type Registry struct {
	cfg    *Config
	source ImageSource

	mu      sync.Mutex
	rooms   map[string]*Room
	waiting *Client
}

func newRegistry(cfg *Config, source ImageSource) *Registry {
	return &Registry{
		cfg:    cfg,
		source: source,
		rooms:  make(map[string]*Room),
	}
}

// newRoomIDLocked generates a crypto-random room ID and ensures it doesn't
// collide with existing rooms. Callers must hold reg.mu.
func (reg *Registry) newRoomIDLocked() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		if _, exists := reg.rooms[id]; !exists {
			return id
		}
	}
}

// trySendLocked queues msg for c without blocking. A client that cannot
// keep up has its channel closed; the read pump notices the dropped
// connection and runs the usual disconnect path.
func (reg *Registry) trySendLocked(c *Client, msg any) {
	if c.gone {
		return
	}

	select {
	case c.send <- msg:
	default:
		c.gone = true
		close(c.send)
	}
}

func (reg *Registry) broadcastLocked(room *Room, msg any) {
	for _, m := range room.members {
		reg.trySendLocked(m, msg)
	}
}

func (reg *Registry) occupancyLocked(room *Room) {
	reg.broadcastLocked(room, SimpleMessage{
		Type: "waitingForPlayers",
		Message: fmt.Sprintf("Room: %s. Players: %d/%d. Waiting for the game to start...",
			room.id, len(room.members), room.capacity),
	})
}

// handleJoin processes "joinRoom" messages.
func (reg *Registry) handleJoin(c *Client, msg ClientMessage) {
	if msg.PlayerName == "" || msg.RoomID == "" {
		reg.mu.Lock()
		reg.trySendLocked(c, SimpleMessage{Type: "error", Message: errMalformedJoin.Error()})
		reg.mu.Unlock()
		return
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if c.roomID != "" {
		reg.trySendLocked(c, SimpleMessage{Type: "error", Message: "already in room " + c.roomID})
		return
	}

	// A queued quick-match player who joins a named room gives up their slot.
	if reg.waiting == c {
		reg.waiting = nil
	}

	c.name = msg.PlayerName

	room, ok := reg.rooms[msg.RoomID]
	if !ok {
		room = &Room{
			id:         msg.RoomID,
			capacity:   reg.cfg.roomCapacity,
			category:   msg.Category,
			authority:  c.id,
			members:    []*Client{c},
			lastActive: time.Now(),
		}
		reg.rooms[msg.RoomID] = room
		c.roomID = room.id

		logf(reg.cfg, "GAMES: Player %q created room %s (category %q)", c.name, room.id, room.category)

		reg.trySendLocked(c, SimpleMessage{Type: "roomCreator"})
		reg.occupancyLocked(room)
		return
	}

	if len(room.members) >= room.capacity {
		logf(reg.cfg, "GAMES: Room %s is full", room.id)
		reg.trySendLocked(c, SimpleMessage{Type: "roomFull"})
		return
	}

	room.members = append(room.members, c)
	room.lastActive = time.Now()
	c.roomID = room.id

	logf(reg.cfg, "GAMES: Player %q joined room %s", c.name, room.id)

	reg.occupancyLocked(room)
}

// handleReady processes "playerReady" messages (anonymous quick match).
// The first ready connection waits; the second is paired with it into a
// freshly generated two-player room, and the round starts immediately
// without an explicit "startGame" from either.
func (reg *Registry) handleReady(c *Client, msg ClientMessage) {
	if msg.PlayerName == "" {
		reg.mu.Lock()
		reg.trySendLocked(c, SimpleMessage{Type: "error", Message: "player name must not be empty"})
		reg.mu.Unlock()
		return
	}

	reg.mu.Lock()

	if c.roomID != "" {
		reg.trySendLocked(c, SimpleMessage{Type: "error", Message: "already in room " + c.roomID})
		reg.mu.Unlock()
		return
	}

	c.name = msg.PlayerName

	if reg.waiting == nil || reg.waiting == c || reg.waiting.gone {
		reg.waiting = c
		reg.trySendLocked(c, SimpleMessage{Type: "waitingForOpponent", Message: "Waiting for an opponent..."})
		reg.mu.Unlock()
		return
	}

	opponent := reg.waiting
	reg.waiting = nil

	room := &Room{
		id:         reg.newRoomIDLocked(),
		capacity:   2,
		authority:  opponent.id,
		members:    []*Client{opponent, c},
		duel:       true,
		lastActive: time.Now(),
	}
	reg.rooms[room.id] = room
	opponent.roomID = room.id
	c.roomID = room.id

	logf(reg.cfg, "GAMES: Paired %q and %q into room %s", opponent.name, c.name, room.id)

	reg.trySendLocked(opponent, SimpleMessage{Type: "roomCreator"})
	reg.occupancyLocked(room)

	reg.mu.Unlock()

	reg.startRound(room, opponent.id)
}

// handleStart processes "startGame" messages: only the room's recorded
// authority may trigger a round.
func (reg *Registry) handleStart(c *Client) {
	reg.mu.Lock()

	room := reg.rooms[c.roomID]
	if room == nil {
		reg.trySendLocked(c, SimpleMessage{Type: "error", Message: "join a room before starting a game"})
		reg.mu.Unlock()
		return
	}

	if room.authority != c.id {
		reg.trySendLocked(c, SimpleMessage{Type: "error", Message: errNotAuthority.Error()})
		reg.mu.Unlock()
		return
	}

	reg.mu.Unlock()

	reg.startRound(room, c.id)
}

// startRound drives the fetch-then-broadcast half of the round. The image
// lookup happens without the lock held, so everything before and after it
// is a separate critical section: after the fetch resolves, the room must
// be re-validated, because it may have been dissolved (and its id even
// reused by an unrelated room) while the lookup was pending.
func (reg *Registry) startRound(room *Room, requester string) {
	reg.mu.Lock()

	if room.authority != requester {
		reg.mu.Unlock()
		return
	}
	if room.inFlight || room.payload != nil {
		// Double-start: a fetch is pending or a round is already active.
		reg.mu.Unlock()
		return
	}
	room.inFlight = true
	category := room.category

	reg.mu.Unlock()

	logf(reg.cfg, "GAMES: Starting round in room %s (category %q)", room.id, category)

	ctx, cancel := context.WithTimeout(context.Background(), reg.cfg.fetchTimeout)
	items, err := reg.source.Fetch(ctx, category)
	cancel()

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.rooms[room.id] != room {
		// Dissolved or replaced while the fetch was pending; broadcasting
		// into the successor room would leak another round's payload.
		return
	}

	room.inFlight = false
	room.lastActive = time.Now()

	if err == nil && len(items) != reg.cfg.itemsPerRound {
		err = fmt.Errorf("image source returned %d of %d items", len(items), reg.cfg.itemsPerRound)
	}
	if err != nil {
		logf(reg.cfg, "GAMES: Round start failed in room %s: %v", room.id, err)
		reg.broadcastLocked(room, SimpleMessage{Type: "error", Message: "Failed to fetch images: " + err.Error()})
		return
	}

	room.payload = items
	reg.broadcastLocked(room, StartGameMessage{Type: "startGame", Images: items})
}

// handleSubmit processes "submitAnswers" messages. A resubmission before
// quorum overwrites the prior score (last write wins).
func (reg *Registry) handleSubmit(c *Client, msg ClientMessage) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room := reg.rooms[c.roomID]
	if room == nil {
		reg.trySendLocked(c, SimpleMessage{Type: "error", Message: "join a room before submitting answers"})
		return
	}

	score := 0
	if msg.Score != nil {
		score = *msg.Score
	}
	c.answers = msg.Answers
	c.score = &score
	room.lastActive = time.Now()

	reg.finishIfQuorumLocked(room)
}

// finishIfQuorumLocked checks whether every current member has submitted,
// and if so ranks the results, broadcasts the single gameOver, and deletes
// the room. Recording, quorum check, broadcast, and eviction all happen
// under one lock acquisition, so gameOver fires exactly once per round.
func (reg *Registry) finishIfQuorumLocked(room *Room) {
	if len(room.members) == 0 {
		return
	}

	for _, m := range room.members {
		if m.score == nil {
			return
		}
	}

	ranked := make([]PlayerResult, len(room.members))
	for i, m := range room.members {
		ranked[i] = PlayerResult{PlayerName: m.name, Score: *m.score}
	}

	// Stable sort over the join-ordered slice keeps ties deterministic.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	msg := GameOverMessage{Type: "gameOver", Results: ranked}
	if room.duel && len(ranked) == 2 {
		if ranked[0].Score == ranked[1].Score {
			msg.Result = "It's a tie!"
		} else {
			msg.Result = ranked[0].PlayerName + " wins!"
		}
	}

	logf(reg.cfg, "GAMES: Round over in room %s (%d players)", room.id, len(room.members))

	reg.broadcastLocked(room, msg)

	for _, m := range room.members {
		m.roomID = ""
		m.score = nil
		m.answers = nil
	}
	delete(reg.rooms, room.id)
}

// handleDisconnect releases everything the connection held. It must be
// defensive against connections that never joined anything.
func (reg *Registry) handleDisconnect(c *Client) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if !c.gone {
		c.gone = true
		close(c.send)
	}

	if reg.waiting == c {
		reg.waiting = nil
	}

	room := reg.rooms[c.roomID]
	c.roomID = ""
	if room == nil {
		return
	}

	dst := room.members[:0]
	for _, m := range room.members {
		if m == c {
			continue
		}
		dst = append(dst, m)
	}
	room.members = dst

	logf(reg.cfg, "GAMES: Player %q left room %s", c.name, room.id)

	if len(room.members) == 0 {
		delete(reg.rooms, room.id)
		return
	}

	// The departed member no longer counts toward quorum; the round may
	// now be complete. The authority is never re-elected, so a room whose
	// creator left stays open until the reaper collects it.
	room.lastActive = time.Now()
	reg.finishIfQuorumLocked(room)

	if reg.rooms[room.id] == room {
		reg.occupancyLocked(room)
	}
}

// reaperLoop periodically dissolves rooms that have been idle longer than
// the configured session timeout.
func (reg *Registry) reaperLoop(idleTimeout time.Duration) {
	ticker := time.NewTicker(idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-idleTimeout)

		reg.mu.Lock()
		for id, room := range reg.rooms {
			if !room.lastActive.Before(cutoff) {
				continue
			}

			logf(reg.cfg, "GAMES: Reaping idle room %s", id)

			for _, m := range room.members {
				reg.trySendLocked(m, SimpleMessage{Type: "error", Message: "Room closed due to inactivity."})
				m.roomID = ""
				m.score = nil
				m.answers = nil
			}
			delete(reg.rooms, id)
		}
		reg.mu.Unlock()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS upgrades the connection and hands it a fresh connection id.
func serveWS(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
			id:   uuid.NewString(),
		}

		go client.writePump()
		client.readPump(reg)
	}
}

func (c *Client) readPump(reg *Registry) {
	defer func() {
		reg.handleDisconnect(c)
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "joinRoom":
			reg.handleJoin(c, msg)
		case "playerReady":
			reg.handleReady(c, msg)
		case "startGame":
			reg.handleStart(c)
		case "submitAnswers":
			reg.handleSubmit(c, msg)
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code linking to the client page with the
// room id preselected, using go-qrcode.
func qrHandler(path string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + path + "?room=" + roomID

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// ---- Static file paths ----

//go:embed memory/index.html
var indexHTML []byte

//go:embed memory/app.css
var memoryboxCSS []byte

//go:embed memory/app.js
var memoryboxJS []byte

func getIndexHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(memoryboxCSS)
	}
}

func getJsHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(memoryboxJS)
	}
}

// registerMemoryGame sets up routes so that:
//   - $path             → HTML client (room id via ?room= query)
//   - $path/ws          → shared WebSocket endpoint for the game
//   - $path/qr/:roomid  → PNG QR code linking to that room
func registerMemoryGame(cfg *Config, path string, mux *httprouter.Router, source ImageSource) *Registry {
	reg := newRegistry(cfg, source)
	if cfg.sessionTimeout > 0 {
		go reg.reaperLoop(cfg.sessionTimeout)
	}

	// Client view
	mux.GET(cfg.prefix+path, getIndexHandler(cfg))

	// Shared assets
	mux.GET(cfg.prefix+"/assets/memory/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/memory/app.js", getJsHandler(cfg))

	// Game websocket
	mux.GET(cfg.prefix+path+"/ws", serveWS(cfg, reg))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/qr/:roomid", qrHandler(cfg.prefix+path))

	return reg
}

package engine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/backend"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/transport"
)

// hub is an in-memory chat server speaking the long-polling transport and
// the REST listings, enough to drive engines end to end.
type hub struct {
	mu       sync.Mutex
	users    map[string]*hubUser // by token
	rooms    map[string]map[string]bool
	nextID   int
	emitted  []event.Envelope
	listHits map[string]int
}

type hubUser struct {
	id     string
	down   bool
	events []event.Envelope
	wake   chan struct{}
	unread map[string]int
}

func newHub(tokens map[string]string) *hub {
	h := &hub{
		users:    make(map[string]*hubUser),
		rooms:    make(map[string]map[string]bool),
		listHits: make(map[string]int),
	}
	for token, id := range tokens {
		h.users[token] = &hubUser{id: id, wake: make(chan struct{}), unread: make(map[string]int)}
	}
	return h
}

func (h *hub) start(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/rt/poll", h.handlePoll)
	r.Post("/rt/emit", h.handleEmit)
	r.Get("/api/channels", h.handleChannels)
	r.Get("/api/direct-messages", h.handleDirectMessages)
	r.Get("/api/presence", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"users": []any{}})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func (h *hub) setDown(token string, down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.users[token].down = down
}

func (h *hub) hits(token string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listHits[token]
}

func (h *hub) count(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, env := range h.emitted {
		if env.Type == eventType {
			n++
		}
	}
	return n
}

func (h *hub) user(r *http.Request) (string, *hubUser) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token, h.users[token]
}

// pushLocked queues env for u and wakes a pending poll.
func (h *hub) pushLocked(u *hubUser, env event.Envelope) {
	u.events = append(u.events, env)
	close(u.wake)
	u.wake = make(chan struct{})
}

func (h *hub) handlePoll(w http.ResponseWriter, r *http.Request) {
	cursor, _ := strconv.Atoi(r.URL.Query().Get("cursor"))
	wait, _ := strconv.Atoi(r.URL.Query().Get("wait"))

	h.mu.Lock()
	_, u := h.user(r)
	if u == nil {
		h.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if u.down {
		h.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if cursor >= len(u.events) && wait > 0 {
		wake := u.wake
		h.mu.Unlock()
		select {
		case <-wake:
		case <-time.After(time.Duration(wait) * time.Second):
		case <-r.Context().Done():
			return
		}
		h.mu.Lock()
	}
	pending := append([]event.Envelope(nil), u.events[min(cursor, len(u.events)):]...)
	next := len(u.events)
	h.mu.Unlock()

	writeJSON(w, map[string]any{"events": pending, "cursor": next})
}

func (h *hub) handleEmit(w http.ResponseWriter, r *http.Request) {
	var env event.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, u := h.user(r)
	if u == nil || u.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	h.emitted = append(h.emitted, env)

	switch env.Type {
	case event.JoinChannel:
		var p event.ChannelPayload
		_ = env.Decode(&p)
		room := h.rooms[p.ChannelID]
		if room == nil {
			room = make(map[string]bool)
			h.rooms[p.ChannelID] = room
		}
		room[u.id] = true
		members := make([]string, 0, len(room))
		for id := range room {
			members = append(members, id)
		}
		h.pushLocked(u, event.MustNew(event.ChannelJoined, event.ChannelJoinedPayload{
			ChannelID:   p.ChannelID,
			RoomMembers: members,
		}))
	case event.LeaveChannel:
		var p event.ChannelPayload
		_ = env.Decode(&p)
		delete(h.rooms[p.ChannelID], u.id)
	case event.SendMessage:
		var p event.SendMessagePayload
		_ = env.Decode(&p)
		h.nextID++
		wire := event.WireMessage{
			ID:              fmt.Sprintf("m-%d", h.nextID),
			ClientMessageID: p.ClientMessageID,
			ChannelID:       p.ChannelID,
			SenderID:        u.id,
			Message:         p.Message,
			Type:            p.Type,
			Attachment:      p.Attachment,
			CreatedAt:       time.Now().UTC(),
		}
		h.pushLocked(u, event.MustNew(event.MessageSent, event.MessagePayload{Message: wire}))
		for _, other := range h.users {
			if other == u {
				continue
			}
			other.unread[p.ChannelID]++
			if h.rooms[p.ChannelID][other.id] {
				h.pushLocked(other, event.MustNew(event.MessageReceived, event.MessagePayload{Message: wire}))
			}
			h.pushLocked(other, event.MustNew(event.MessageNotification, event.NotificationPayload{
				Message: wire,
				Channel: chat.Channel{ID: p.ChannelID, Kind: chat.ChannelChannel},
			}))
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *hub) handleChannels(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, u := h.user(r)
	if u == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	channels := make([]chat.Channel, 0, len(u.unread))
	for id, n := range u.unread {
		channels = append(channels, chat.Channel{ID: id, UnreadCount: n})
	}
	writeJSON(w, map[string]any{"channels": channels})
}

func (h *hub) handleDirectMessages(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	token, u := h.user(r)
	if u == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	h.listHits[token]++
	writeJSON(w, map[string]any{"directMessages": []chat.Channel{}})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func hubOptions(baseURL, selfID string) Options {
	return Options{
		SelfID: selfID,
		Transport: transport.Options{
			Mode:             chat.TransportPolling,
			PollURL:          baseURL + "/rt",
			HandshakeTimeout: time.Second,
			PollTimeout:      time.Second,
			WriteTimeout:     time.Second,
			MaxRetries:       200,
			RetryInitial:     5 * time.Millisecond,
			RetryMax:         20 * time.Millisecond,
		},
		Backend:        backend.Options{BaseURL: baseURL + "/api", Timeout: 2 * time.Second},
		ConfirmTimeout: 5 * time.Second,
		QueueTimeout:   10 * time.Second,
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/presence"
)

func newTestServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if hits != nil {
				atomic.AddInt32(hits, 1)
			}
			if req.Header.Get("Authorization") != "Bearer good" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.Get("/channels", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"channels":[{"id":"general","name":"General","unreadCount":3},{"id":"ops","kind":"group","unreadCount":0}]}`)
	})
	r.Get("/direct-messages", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"directMessages":[{"id":"dm-1","unreadCount":2}]}`)
	})
	r.Get("/channels/{channelID}/messages", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("limit") != "100" {
			http.Error(w, "limit not clamped", http.StatusBadRequest)
			return
		}
		resp := map[string]any{
			"messages": []map[string]any{
				{"id": "m1", "senderId": "u2", "message": "hi", "type": "text"},
				{"id": "m2", "senderId": "u2", "type": "image", "message": `{"fileId":"f1","fileName":"cat.png","fileSize":12,"mimeType":"image/png","fileUrl":"https://cdn/cat.png"}`},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	r.Post("/channels/{channelID}/attachments", func(w http.ResponseWriter, req *http.Request) {
		file, header, err := req.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"attachment": chat.Attachment{
				ID:       "att-1",
				Filename: header.Filename,
				Size:     int64(len(data)),
				Category: chat.MimeFile,
				URL:      "https://cdn/" + header.Filename,
			},
		})
	})
	r.Get("/presence", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"users":[{"userId":"u2","status":"away"},{"userId":"u3","status":"online","override":{"kind":"force-invisible"}}]}`)
	})
	r.Put("/presence", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body["status"] != "busy" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(baseURL, token string) *Client {
	c := New(Options{BaseURL: baseURL}, nil)
	c.SetToken(token)
	return c
}

func TestMissingTokenMakesNoRequest(t *testing.T) {
	var hits int32
	srv := newTestServer(t, &hits)
	c := newClient(srv.URL, "")

	if _, err := c.ListChannels(context.Background()); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
	if n := atomic.LoadInt32(&hits); n != 0 {
		t.Fatalf("server hit %d times", n)
	}
}

func TestUnauthorized(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newClient(srv.URL, "stale")

	if _, err := c.UnreadCounts(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestUnreadCountsMergesListings(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newClient(srv.URL, "good")

	counts, err := c.UnreadCounts(context.Background())
	if err != nil {
		t.Fatalf("unread counts: %v", err)
	}
	want := map[string]int{"general": 3, "ops": 0, "dm-1": 2}
	if len(counts) != len(want) {
		t.Fatalf("counts = %v", counts)
	}
	for id, n := range want {
		if counts[id] != n {
			t.Fatalf("counts[%s] = %d, want %d", id, counts[id], n)
		}
	}

	dms, err := c.ListDirectMessages(context.Background())
	if err != nil || len(dms) != 1 || dms[0].Kind != chat.ChannelDM {
		t.Fatalf("dms = %+v, err = %v", dms, err)
	}
}

func TestFetchHistoryDecodesPayloads(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newClient(srv.URL, "good")

	msgs, err := c.FetchHistory(context.Background(), "general", 500, "")
	if err != nil {
		t.Fatalf("fetch history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].ChannelID != "general" || msgs[0].Provenance != chat.ProvenanceConfirmed {
		t.Fatalf("first = %+v", msgs[0])
	}
	att := msgs[1].Payload.Attachment
	if msgs[1].Payload.Kind != chat.PayloadAttachment || att == nil || att.Category != chat.MimeImage || att.Filename != "cat.png" {
		t.Fatalf("second payload = %+v", msgs[1].Payload)
	}
}

func TestClampLimit(t *testing.T) {
	cases := map[int]int{0: 50, -3: 50, 1: 1, 100: 100, 101: 100, 42: 42}
	for in, want := range cases {
		if got := ClampLimit(in); got != want {
			t.Fatalf("ClampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestUploadAttachment(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newClient(srv.URL, "good")

	att, err := c.UploadAttachment(context.Background(), "general", "report.pdf", strings.NewReader("%PDF-1.7"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if att.ID != "att-1" || att.Filename != "report.pdf" || att.Size != 8 {
		t.Fatalf("attachment = %+v", att)
	}
}

func TestPresenceSnapshotAndPush(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newClient(srv.URL, "good")

	records, err := c.FetchPresence(context.Background())
	if err != nil {
		t.Fatalf("fetch presence: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %+v", records)
	}
	if records[1].Status() != presence.StatusInvisible {
		t.Fatalf("override not applied: %+v", records[1])
	}

	if err := c.PushPresence(context.Background(), presence.StatusBusy); err != nil {
		t.Fatalf("push presence: %v", err)
	}
}

func TestStatusError(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newClient(srv.URL, "good")

	err := c.getJSON(context.Background(), "broken", "/broken", nil, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Fatalf("err = %v, want StatusError 500", err)
	}
}

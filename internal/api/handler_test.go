package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3messenger/realtime/internal/realtime"
	"github.com/web3messenger/realtime/internal/sink"
)

type fakePresence struct {
	online []string
	err    error
}

func (f *fakePresence) OnlineUsers(context.Context) ([]string, error) { return f.online, f.err }

func (f *fakePresence) IsOnline(_ context.Context, id string) (bool, error) {
	for _, u := range f.online {
		if u == id {
			return true, f.err
		}
	}
	return false, f.err
}

func (f *fakePresence) Stats(context.Context) (realtime.Stats, error) {
	return realtime.Stats{Sessions: 3, Online: len(f.online), Rooms: 4}, f.err
}

type fakeLastSeen map[string]*sink.PresenceRecord

func (f fakeLastSeen) Get(_ context.Context, id string) (*sink.PresenceRecord, error) {
	rec, ok := f[id]
	if !ok {
		return nil, redis.Nil
	}
	return rec, nil
}

func newRouter(p Presence, ls LastSeen) http.Handler {
	r := chi.NewRouter()
	NewHandler(p, ls).Mount(r, []string{"http://localhost:3000"})
	return r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestOnline(t *testing.T) {
	h := newRouter(&fakePresence{online: []string{"alice", "bob"}}, nil)

	rec := get(t, h, "/api/online")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":2,"users":["alice","bob"]}`, rec.Body.String())
}

func TestOnline_CoordinatorStopped(t *testing.T) {
	h := newRouter(&fakePresence{err: realtime.ErrStopped}, nil)

	rec := get(t, h, "/api/online")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStats(t *testing.T) {
	h := newRouter(&fakePresence{online: []string{"alice"}}, nil)

	rec := get(t, h, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":3,"online":1,"rooms":4,"typing":0}`, rec.Body.String())
}

func TestUserPresence(t *testing.T) {
	seen := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store := fakeLastSeen{
		"alice": {Status: "away", LastSeen: seen.Unix()},
		"carol": {Status: "offline", LastSeen: seen.Unix()},
	}
	h := newRouter(&fakePresence{online: []string{"alice", "bob"}}, store)

	tests := []struct {
		user     string
		online   bool
		status   string
		lastSeen bool
	}{
		{user: "alice", online: true, status: "away", lastSeen: true},
		{user: "bob", online: true, status: "online"},
		{user: "carol", online: false, status: "offline", lastSeen: true},
		{user: "dave", online: false, status: "offline"},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			rec := get(t, h, "/api/presence/"+tt.user)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp PresenceResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.user, resp.UserID)
			assert.Equal(t, tt.online, resp.Online)
			assert.Equal(t, tt.status, resp.Status)
			if tt.lastSeen {
				require.NotNil(t, resp.LastSeen)
				assert.True(t, seen.Equal(*resp.LastSeen))
			} else {
				assert.Nil(t, resp.LastSeen)
			}
		})
	}
}

type failingLastSeen struct{}

func (failingLastSeen) Get(context.Context, string) (*sink.PresenceRecord, error) {
	return nil, errors.New("redis down")
}

func TestUserPresence_StoreFailureIsIgnored(t *testing.T) {
	h := newRouter(&fakePresence{online: []string{"alice"}}, failingLastSeen{})

	rec := get(t, h, "/api/presence/alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"userId":"alice","online":true,"status":"online"}`, rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	h := newRouter(&fakePresence{}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/online", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

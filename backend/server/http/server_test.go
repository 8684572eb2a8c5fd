package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	store "github.com/adwski/roomsync/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_GetRoom(t *testing.T) {
	ms := store.NewMemStore(0)
	_, err := ms.JoinRoom("1", "alice", time.Now())
	require.NoError(t, err)
	_, err = ms.SetMaster("alice")
	require.NoError(t, err)

	logger := zerolog.Nop()
	srv := NewServer(Config{Logger: &logger, RoomService: ms})
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	tests := []struct {
		name   string
		path   string
		status int
		master string
	}{
		{name: "found", path: "/api/rooms/1", status: http.StatusOK, master: "alice"},
		{name: "not found", path: "/api/rooms/2", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			var body struct {
				Error string `json:"error"`
				Data  struct {
					ID           string         `json:"room_id"`
					Master       string         `json:"master"`
					Participants map[string]any `json:"participants"`
				} `json:"data"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			if tt.status != http.StatusOK {
				assert.NotEmpty(t, body.Error)
				return
			}
			assert.Equal(t, "1", body.Data.ID)
			assert.Equal(t, tt.master, body.Data.Master)
			assert.Contains(t, body.Data.Participants, "alice")
		})
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	logger := zerolog.Nop()
	srv := NewServer(Config{Logger: &logger, RoomService: store.NewMemStore(0)})

	req := httptest.NewRequest(http.MethodOptions, "/api/rooms/1", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodGet)
}

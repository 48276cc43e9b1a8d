package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arjunkumar811/Excalidraw/internal/eventlog"
)

type countingStore struct {
	*eventlog.MemoryStore
	calls int
	err   error
}

func (s *countingStore) Recent(ctx context.Context, roomID string, limit int) ([]eventlog.Entry, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.MemoryStore.Recent(ctx, roomID, limit)
}

func seed(t *testing.T, store *eventlog.MemoryStore, room string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := store.Append(context.Background(), eventlog.Record{
			RoomID:  room,
			Kind:    eventlog.KindChat,
			Author:  "u1",
			Message: fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
	}
}

func messages(recs []eventlog.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Message)
	}
	return out
}

func TestRecent_OldestFirstWithinLimit(t *testing.T) {
	store := eventlog.NewMemoryStore()
	seed(t, store, "room", 5)

	l := NewLoader(store, 50, nil)
	recs, err := l.Collect(context.Background(), "room", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4", "m5"}, messages(recs))
}

func TestRecent_IsLazyAndRestartable(t *testing.T) {
	store := &countingStore{MemoryStore: eventlog.NewMemoryStore()}
	seed(t, store.MemoryStore, "room", 2)

	l := NewLoader(store, 50, nil)
	seq := l.Recent(context.Background(), "room", 10)
	assert.Equal(t, 0, store.calls, "no query before iteration")

	for range seq {
	}
	for range seq {
	}
	assert.Equal(t, 2, store.calls)

	seed(t, store.MemoryStore, "room", 1)
	n := 0
	for _, err := range seq {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 3, n, "a new range sees newly appended events")
}

func TestRecent_EarlyBreak(t *testing.T) {
	store := eventlog.NewMemoryStore()
	seed(t, store, "room", 5)

	var got []string
	for rec, err := range NewLoader(store, 50, nil).Recent(context.Background(), "room", 0) {
		require.NoError(t, err)
		got = append(got, rec.Message)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"m1", "m2"}, got)
}

func TestRecent_SkipsMalformedEntries(t *testing.T) {
	store := eventlog.NewMemoryStore()
	seed(t, store, "room", 1)
	store.AppendRaw("room", []byte("{not json"))
	store.AppendRaw("room", []byte(`{"roomId":"room","type":"join_room"}`))
	store.AppendRaw("room", []byte(`{"type":"chat","message":"no room"}`))
	store.AppendRaw("room", []byte(`{"roomId":"room","type":"drawing","message":"{broken"}`))
	store.AppendRaw("room", []byte(`{"roomId":"room","type":"elementRemoved"}`))
	store.AppendRaw("room", []byte(`{"roomId":"room","type":"drawing","message":"{\"id\":\"e1\"}"}`))

	recs, err := NewLoader(store, 50, nil).Collect(context.Background(), "room", 50)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "m1", recs[0].Message)
	assert.Equal(t, eventlog.KindDrawing, recs[1].Kind)
}

func TestRecent_StoreFailure(t *testing.T) {
	store := &countingStore{MemoryStore: eventlog.NewMemoryStore(), err: errors.New("db gone")}
	l := NewLoader(store, 50, nil)

	var errs int
	for _, err := range l.Recent(context.Background(), "room", 5) {
		require.Error(t, err)
		errs++
	}
	assert.Equal(t, 1, errs)

	recs, err := l.Collect(context.Background(), "room", 5)
	assert.Error(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestClamp(t *testing.T) {
	l := NewLoader(eventlog.NewMemoryStore(), 50, nil)
	tests := []struct{ in, want int }{
		{-1, 50}, {0, 50}, {1, 1}, {49, 49}, {50, 50}, {51, 50}, {1000, 50},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, l.Clamp(tt.in), "clamp(%d)", tt.in)
	}
}

func newTestRouter(store eventlog.Store) *mux.Router {
	r := mux.NewRouter()
	r.Use(AccessLog(discardLogger()))
	NewHandler(NewLoader(store, 50, nil), discardLogger()).Register(r)
	return r
}

func TestHandler_GetChats(t *testing.T) {
	store := eventlog.NewMemoryStore()
	seed(t, store, "42", 60)

	rec := httptest.NewRecorder()
	newTestRouter(store).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chats/42", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Messages, 50)
	assert.Equal(t, "m11", body.Messages[0].Message)
	assert.Equal(t, "m60", body.Messages[49].Message)
}

func TestHandler_LimitParam(t *testing.T) {
	store := eventlog.NewMemoryStore()
	seed(t, store, "42", 5)
	r := newTestRouter(store)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chats/42?limit=2", nil))
	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"m4", "m5"}, messages(body.Messages))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chats/42?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_EmptyRoom(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(eventlog.NewMemoryStore()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chats/nobody", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())
}

func TestHandler_StoreFailure(t *testing.T) {
	store := &countingStore{MemoryStore: eventlog.NewMemoryStore(), err: errors.New("db gone")}

	rec := httptest.NewRecorder()
	newTestRouter(store).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chats/42", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(eventlog.NewMemoryStore()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chats/42", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

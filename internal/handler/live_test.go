package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoylab/esilink/internal/session"
	"github.com/amoylab/esilink/internal/tick"
)

func dialLive(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Cookie", testCookie+"="+sessionID)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/live"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *session.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev session.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return &ev
}

func TestLive_PushesTicksForActiveCharacter(t *testing.T) {
	f := newFixture(t)
	sid := newSessionID()
	user, _ := f.link(sid, 100)
	id := int64(100)
	user.ActiveCharacterID = &id
	require.NoError(t, f.db.SaveUser(context.Background(), user))

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	conn := dialLive(t, srv, sid)

	hello := readEvent(t, conn)
	assert.Equal(t, EventHello, hello.Type)
	assert.Zero(t, hello.Counter)

	first := readEvent(t, conn)
	assert.Equal(t, session.EventTick, first.Type)
	assert.Equal(t, uint64(1), first.Counter)
	assert.Contains(t, string(first.Data), `"name":"Jita"`)
	assert.Contains(t, string(first.Data), `"online":true`)

	second := readEvent(t, conn)
	assert.Equal(t, uint64(2), second.Counter)

	rec, ok := f.registry.Lookup(sid)
	require.True(t, ok)
	assert.True(t, rec.Attached())
	assert.NotEqual(t, tick.StateIdle, f.engine.State(sid))
}

// readTicks reads n tick events and returns their counters
func readTicks(t *testing.T, conn *websocket.Conn, n int) []uint64 {
	t.Helper()
	counters := make([]uint64, 0, n)
	for len(counters) < n {
		ev := readEvent(t, conn)
		require.Equal(t, session.EventTick, ev.Type)
		counters = append(counters, ev.Counter)
	}
	return counters
}

func assertConsecutive(t *testing.T, counters []uint64) {
	t.Helper()
	for i := 1; i < len(counters); i++ {
		assert.Equal(t, counters[i-1]+1, counters[i], "counters %v", counters)
	}
}

func TestLive_EveryConnectionGetsEveryTick(t *testing.T) {
	f := newFixture(t)
	sid := newSessionID()
	user, _ := f.link(sid, 100)
	id := int64(100)
	user.ActiveCharacterID = &id
	require.NoError(t, f.db.SaveUser(context.Background(), user))

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	first := dialLive(t, srv, sid)
	require.Equal(t, EventHello, readEvent(t, first).Type)
	head := readTicks(t, first, 1)
	assert.Equal(t, uint64(1), head[0])

	second := dialLive(t, srv, sid)
	require.Equal(t, EventHello, readEvent(t, second).Type)
	fromSecond := readTicks(t, second, 5)
	assertConsecutive(t, fromSecond)

	// the first connection keeps seeing every counter, including the ones
	// the second connection got
	last := fromSecond[len(fromSecond)-1]
	fromFirst := head
	for fromFirst[len(fromFirst)-1] < last {
		fromFirst = append(fromFirst, readTicks(t, first, 1)...)
	}
	assertConsecutive(t, fromFirst)
	assert.Subset(t, fromFirst, fromSecond)

	rec, ok := f.registry.Lookup(sid)
	require.True(t, ok)
	assert.True(t, rec.Attached())
}

func TestLive_ReconnectAfterLastDisconnectKeepsTicking(t *testing.T) {
	f := newFixture(t)
	sid := newSessionID()
	user, _ := f.link(sid, 100)
	id := int64(100)
	user.ActiveCharacterID = &id
	require.NoError(t, f.db.SaveUser(context.Background(), user))

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	for i := 0; i < 5; i++ {
		conn := dialLive(t, srv, sid)
		require.Equal(t, EventHello, readEvent(t, conn).Type)
		assertConsecutive(t, readTicks(t, conn, 2))
		_ = conn.Close()
	}

	conn := dialLive(t, srv, sid)
	require.Equal(t, EventHello, readEvent(t, conn).Type)
	assertConsecutive(t, readTicks(t, conn, 3))
	rec, ok := f.registry.Lookup(sid)
	require.True(t, ok)
	assert.False(t, rec.Deleted())
}

func TestLive_DisconnectDeletesSessionRecord(t *testing.T) {
	f := newFixture(t)
	sid := newSessionID()
	user, _ := f.link(sid, 100)
	id := int64(100)
	user.ActiveCharacterID = &id
	require.NoError(t, f.db.SaveUser(context.Background(), user))

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	conn := dialLive(t, srv, sid)
	readEvent(t, conn)
	readEvent(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	require.Eventually(t, func() bool {
		_, ok := f.registry.Lookup(sid)
		return !ok
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, tick.StateIdle, f.engine.State(sid))

	// the loop is gone; no further upstream calls are made
	time.Sleep(30 * time.Millisecond)
	hits := f.locationHits.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, hits, f.locationHits.Load())

	// the durable link survives the session record
	_, err := f.db.FindUserBySession(context.Background(), sid)
	assert.NoError(t, err)
}

func TestLive_NoActiveCharacterDoesNotTick(t *testing.T) {
	f := newFixture(t)
	sid := newSessionID()
	f.link(sid, 100)

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	conn := dialLive(t, srv, sid)

	hello := readEvent(t, conn)
	assert.Equal(t, EventHello, hello.Type)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, tick.StateIdle, f.engine.State(sid))
	assert.Zero(t, f.locationHits.Load())
}

func TestLive_HelloCarriesCachedSnapshot(t *testing.T) {
	f := newFixture(t)
	sid := newSessionID()
	f.registry.GetOrCreate(sid)
	f.registry.Mutate(sid, func(s *session.State) {
		s.TickCounter = 7
		s.CachedData = &session.Snapshot{FetchedAt: time.Unix(1700000000, 0).UTC()}
	})

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	conn := dialLive(t, srv, sid)

	hello := readEvent(t, conn)
	assert.Equal(t, uint64(7), hello.Counter)
	assert.Contains(t, string(hello.Data), "2023-11-14T22:13:20Z")
}

func TestLive_RejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	header := http.Header{}
	header.Set("Origin", "http://evil.test")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/live"
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

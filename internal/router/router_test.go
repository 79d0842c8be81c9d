package router

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/sketchrelay/internal/metrics"
	"github.com/Tyrowin/sketchrelay/internal/protocol"
	"github.com/Tyrowin/sketchrelay/internal/registry"
)

type mockConn struct {
	id       string
	mu       sync.Mutex
	received [][]byte
	sendErr  error
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, frame)
	return nil
}

func (m *mockConn) frames() []protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]protocol.Envelope, 0, len(m.received))
	for _, raw := range m.received {
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func (m *mockConn) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = nil
}

func newTestRouter(t *testing.T) (*Router, *registry.Registry, *test.Hook) {
	t.Helper()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	rooms := registry.New()
	return New(rooms, log, nil), rooms, hook
}

func send(t *testing.T, rt *Router, from *mockConn, event string, data string) error {
	t.Helper()
	frame := `{"event":"` + event + `"`
	if data != "" {
		frame += `,"data":` + data
	}
	frame += "}"
	return rt.Handle(from, []byte(frame))
}

func join(t *testing.T, rt *Router, room string, conns ...*mockConn) {
	t.Helper()
	for _, c := range conns {
		require.NoError(t, send(t, rt, c, protocol.EventJoinRoom, `"`+room+`"`))
	}
	for _, c := range conns {
		c.reset()
	}
}

func TestRouter_DrawReachesOthersNotSender(t *testing.T) {
	rt, _, _ := newTestRouter(t)
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	join(t, rt, "r1", a, b)

	require.NoError(t, send(t, rt, a, protocol.EventDraw, `{"roomId":"r1","x":1,"y":2}`))

	got := b.frames()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.EventDraw, got[0].Event)
	assert.JSONEq(t, `{"roomId":"r1","x":1,"y":2}`, string(got[0].Data))
	assert.Empty(t, a.frames())
}

func TestRouter_DrawFamilyIsVerbatim(t *testing.T) {
	events := []string{protocol.EventDraw, protocol.EventDrawStart, protocol.EventDrawEnd, protocol.EventDrawShape}
	payload := `{"roomId":"r1","tool":"star","color":"#2D3436","points":[[1,2],[3,4]],"meta":{"w":5}}`

	for _, event := range events {
		t.Run(event, func(t *testing.T) {
			rt, _, _ := newTestRouter(t)
			a := &mockConn{id: "a"}
			b := &mockConn{id: "b"}
			join(t, rt, "r1", a, b)

			require.NoError(t, send(t, rt, a, event, payload))

			require.Len(t, b.received, 1)
			assert.Equal(t, `{"event":"`+event+`","data":`+payload+`}`, string(b.received[0]))
		})
	}
}

func TestRouter_DrawShapeReachesEveryOtherMemberOnce(t *testing.T) {
	rt, _, _ := newTestRouter(t)
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	c := &mockConn{id: "c"}
	join(t, rt, "r1", a, b, c)

	require.NoError(t, send(t, rt, a, protocol.EventDrawShape, `{"roomId":"r1","shape":"circle"}`))

	assert.Len(t, b.frames(), 1)
	assert.Len(t, c.frames(), 1)
	assert.Empty(t, a.frames())
}

func TestRouter_NoCrossRoomDelivery(t *testing.T) {
	rt, _, _ := newTestRouter(t)
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	join(t, rt, "r1", a)
	join(t, rt, "r2", b)

	require.NoError(t, send(t, rt, a, protocol.EventClearCanvas, `"r1"`))
	require.NoError(t, send(t, rt, a, protocol.EventDraw, `{"roomId":"r1"}`))

	assert.Empty(t, b.frames())
	assert.Empty(t, a.frames())
}

func TestRouter_ClearCanvasCarriesNoPayload(t *testing.T) {
	rt, _, _ := newTestRouter(t)
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	join(t, rt, "r1", a, b)

	require.NoError(t, send(t, rt, a, protocol.EventClearCanvas, `"r1"`))

	require.Len(t, b.received, 1)
	assert.Equal(t, `{"event":"clear-canvas"}`, string(b.received[0]))
	assert.Empty(t, a.frames())
}

func TestRouter_JoinNotifiesExistingMembers(t *testing.T) {
	rt, rooms, _ := newTestRouter(t)
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	c := &mockConn{id: "c"}
	join(t, rt, "r1", a)
	join(t, rt, "r2", c)

	require.NoError(t, send(t, rt, b, protocol.EventJoinRoom, `"r1"`))

	got := a.frames()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.EventUserJoined, got[0].Event)
	assert.JSONEq(t, `"b"`, string(got[0].Data))
	assert.Empty(t, b.frames(), "joiner is not told about itself")
	assert.Empty(t, c.frames())
	assert.Len(t, rooms.Members("r1"), 2)
}

func TestRouter_JoinTwiceKeepsMembership(t *testing.T) {
	rt, rooms, _ := newTestRouter(t)
	a := &mockConn{id: "a"}
	join(t, rt, "r1", a, a)

	assert.Len(t, rooms.Members("r1"), 1)
}

func TestRouter_SenderOutsideRoom(t *testing.T) {
	rt, _, _ := newTestRouter(t)
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	join(t, rt, "r1", b)

	require.NoError(t, send(t, rt, a, protocol.EventDraw, `{"roomId":"r1"}`))

	assert.Len(t, b.frames(), 1)
}

func TestRouter_UnknownRoomIsNoop(t *testing.T) {
	rt, _, hook := newTestRouter(t)
	a := &mockConn{id: "a"}

	require.NoError(t, send(t, rt, a, protocol.EventDraw, `{"roomId":"nowhere"}`))
	require.NoError(t, send(t, rt, a, protocol.EventClearCanvas, `"nowhere"`))

	for _, entry := range hook.AllEntries() {
		assert.NotEqual(t, logrus.WarnLevel, entry.Level, "unexpected warning: %s", entry.Message)
	}
}

func TestRouter_MalformedFramesAreDropped(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr error
	}{
		{name: "not json", frame: `garbage`, wantErr: protocol.ErrMalformed},
		{name: "draw without roomId", frame: `{"event":"draw","data":{"x":1}}`, wantErr: protocol.ErrMalformed},
		{name: "draw with numeric roomId", frame: `{"event":"draw-start","data":{"roomId":1}}`, wantErr: protocol.ErrMalformed},
		{name: "draw with string payload", frame: `{"event":"draw-end","data":"r1"}`, wantErr: protocol.ErrMalformed},
		{name: "join without room", frame: `{"event":"join-room"}`, wantErr: protocol.ErrMalformed},
		{name: "join with object", frame: `{"event":"join-room","data":{"roomId":"r1"}}`, wantErr: protocol.ErrMalformed},
		{name: "clear with number", frame: `{"event":"clear-canvas","data":3}`, wantErr: protocol.ErrMalformed},
		{name: "draw with lower-case roomid", frame: `{"event":"draw","data":{"roomid":"r1","x":1}}`, wantErr: protocol.ErrMalformed},
		{name: "upper-case event key", frame: `{"EVENT":"draw","data":{"roomId":"r1"}}`, wantErr: protocol.ErrMalformed},
		{name: "unknown event", frame: `{"event":"erase-all","data":"r1"}`, wantErr: ErrUnknownEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, _, hook := newTestRouter(t)
			a := &mockConn{id: "a"}
			b := &mockConn{id: "b"}
			join(t, rt, "r1", a, b)
			hook.Reset()

			err := rt.Handle(a, []byte(tt.frame))

			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Empty(t, b.frames())
			assert.Empty(t, a.frames())
			require.NotNil(t, hook.LastEntry())
			assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

			// the connection keeps working after a bad frame
			require.NoError(t, send(t, rt, a, protocol.EventDraw, `{"roomId":"r1"}`))
			assert.Len(t, b.frames(), 1)
		})
	}
}

// TestRouter_RoomIDKeyIsCaseSensitive checks a differently cased duplicate
// key cannot redirect a payload away from the room its roomId names.
func TestRouter_RoomIDKeyIsCaseSensitive(t *testing.T) {
	rt, _, _ := newTestRouter(t)
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	c := &mockConn{id: "c"}
	join(t, rt, "r1", a, b)
	join(t, rt, "r2", c)

	require.NoError(t, send(t, rt, a, protocol.EventDraw, `{"roomId":"r1","ROOMID":"r2"}`))
	require.NoError(t, send(t, rt, a, protocol.EventDrawShape, `{"RoomId":"r2","roomId":"r1"}`))

	assert.Len(t, b.frames(), 2)
	assert.Empty(t, c.frames())
}

func TestRouter_DisconnectLeavesRoom(t *testing.T) {
	rt, rooms, _ := newTestRouter(t)
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	rt.Connect(a)
	rt.Connect(b)
	join(t, rt, "r1", a, b)

	rt.Disconnect(a)

	_, ok := rooms.RoomOf("a")
	assert.False(t, ok)
	for _, m := range rooms.Members("r1") {
		assert.NotEqual(t, "a", m.ID())
	}

	require.NoError(t, send(t, rt, b, protocol.EventDraw, `{"roomId":"r1"}`))
	assert.Empty(t, a.frames())

	rt.Disconnect(b)
	roomCount, members := rooms.Stats()
	assert.Zero(t, roomCount)
	assert.Zero(t, members)
}

func TestRouter_FailedSendDoesNotStopFanOut(t *testing.T) {
	rt, _, _ := newTestRouter(t)
	a := &mockConn{id: "a"}
	broken := &mockConn{id: "broken"}
	c := &mockConn{id: "c"}
	join(t, rt, "r1", a, broken, c)
	broken.sendErr = errors.New("queue full")

	require.NoError(t, send(t, rt, a, protocol.EventDraw, `{"roomId":"r1"}`))

	assert.Len(t, c.frames(), 1)
}

func TestRouter_PreservesSenderOrder(t *testing.T) {
	rt, _, _ := newTestRouter(t)
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	join(t, rt, "r1", a, b)

	require.NoError(t, send(t, rt, a, protocol.EventDrawStart, `{"roomId":"r1","n":0}`))
	require.NoError(t, send(t, rt, a, protocol.EventDraw, `{"roomId":"r1","n":1}`))
	require.NoError(t, send(t, rt, a, protocol.EventDraw, `{"roomId":"r1","n":2}`))
	require.NoError(t, send(t, rt, a, protocol.EventDrawEnd, `{"roomId":"r1","n":3}`))

	got := b.frames()
	require.Len(t, got, 4)
	for i, env := range got {
		var body struct {
			N int `json:"n"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &body))
		assert.Equal(t, i, body.N)
	}
	assert.Equal(t, protocol.EventDrawStart, got[0].Event)
	assert.Equal(t, protocol.EventDrawEnd, got[3].Event)
}

func TestRouter_Metrics(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := metrics.New()
	rooms := registry.New()
	rt := New(rooms, log, m)

	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	rt.Connect(a)
	rt.Connect(b)
	require.NoError(t, rt.Handle(a, []byte(`{"event":"join-room","data":"r1"}`)))
	require.NoError(t, rt.Handle(b, []byte(`{"event":"join-room","data":"r1"}`)))
	require.NoError(t, rt.Handle(a, []byte(`{"event":"draw","data":{"roomId":"r1"}}`)))
	require.Error(t, rt.Handle(a, []byte(`{"event":"draw","data":{}}`)))

	expected := `
# HELP sketchrelay_deliveries_total Outbound frames queued to recipients, by event name.
# TYPE sketchrelay_deliveries_total counter
sketchrelay_deliveries_total{event="draw"} 1
sketchrelay_deliveries_total{event="user-joined"} 1
# HELP sketchrelay_events_dropped_total Inbound events or outbound frames discarded, by reason.
# TYPE sketchrelay_events_dropped_total counter
sketchrelay_events_dropped_total{reason="malformed"} 1
# HELP sketchrelay_rooms Number of rooms with at least one member.
# TYPE sketchrelay_rooms gauge
sketchrelay_rooms 1
# HELP sketchrelay_connections Number of open WebSocket connections.
# TYPE sketchrelay_connections gauge
sketchrelay_connections 2
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"sketchrelay_deliveries_total",
		"sketchrelay_events_dropped_total",
		"sketchrelay_rooms",
		"sketchrelay_connections",
	))

	rt.Disconnect(a)
	rt.Disconnect(b)
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(`
# HELP sketchrelay_rooms Number of rooms with at least one member.
# TYPE sketchrelay_rooms gauge
sketchrelay_rooms 0
`), "sketchrelay_rooms"))
}

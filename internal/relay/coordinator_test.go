package relay

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gitlab.com/secp/services/lightrelay/internal/clock"
	"gitlab.com/secp/services/lightrelay/internal/protocol"
)

type memMaps struct {
	mu   sync.Mutex
	maps map[string][]protocol.MappingEntry
	puts int
}

func newMemMaps() *memMaps {
	return &memMaps{maps: make(map[string][]protocol.MappingEntry)}
}

func (m *memMaps) Get(room string) []protocol.MappingEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.MappingEntry(nil), m.maps[room]...)
}

func (m *memMaps) Put(room string, entries []protocol.MappingEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if len(entries) == 0 {
		delete(m.maps, room)
		return
	}
	m.maps[room] = entries
}

func setupCoordinator(t *testing.T, opts Options) (*Coordinator, *clock.Fake, *memMaps) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	maps := newMemMaps()
	c := New(NewRegistry(), maps, clk, zap.NewNop(), opts)
	t.Cleanup(c.Close)
	return c, clk, maps
}

func drain(t *testing.T, conn *Conn) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for {
		select {
		case frame, ok := <-conn.send:
			if !ok {
				return out
			}
			msg, err := protocol.Decode(frame)
			require.NoError(t, err)
			out = append(out, msg)
		default:
			return out
		}
	}
}

func only[T protocol.Message](msgs []protocol.Message) []T {
	var out []T
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func snapshots(msgs []protocol.Message) []*protocol.Ops {
	var out []*protocol.Ops
	for _, o := range only[*protocol.Ops](msgs) {
		if o.Snapshot {
			out = append(out, o)
		}
	}
	return out
}

func send(c *Coordinator, conn *Conn, frame string) {
	c.HandleMessage(conn, []byte(frame))
}

func TestRoomScenario_SnapshotReflectsState(t *testing.T) {
	c, _, _ := setupCoordinator(t, Options{})

	host := NewConn(nil, protocol.RoleHost, "host")
	send(c, host, `{"type":"join","role":"host","room":"A"}`)
	send(c, host, `{"type":"ops","ops":[{"kind":"light","target":"pad_1","on":true,"intensity":1}]}`)

	v1 := NewConn(nil, protocol.RoleViewer, "v1")
	send(c, v1, `{"type":"join","role":"viewer","room":"A"}`)

	snaps := snapshots(drain(t, v1))
	require.Len(t, snaps, 1)
	assert.Equal(t, []protocol.Operation{protocol.Light("pad_1", true, 1)}, snaps[0].Ops)
	assert.Equal(t, uint64(1), snaps[0].Seq)

	send(c, host, `{"type":"ops","ops":[{"kind":"light","target":"pad_1","on":false}]}`)

	deltas := only[*protocol.Ops](drain(t, v1))
	require.Len(t, deltas, 1)
	assert.False(t, deltas[0].Snapshot)
	assert.Equal(t, uint64(2), deltas[0].Seq)
	assert.Equal(t, []protocol.Operation{protocol.Off("pad_1")}, deltas[0].Ops)

	v2 := NewConn(nil, protocol.RoleViewer, "v2")
	send(c, v2, `{"type":"join","role":"viewer","room":"A"}`)

	snaps = snapshots(drain(t, v2))
	require.Len(t, snaps, 1)
	assert.Empty(t, snaps[0].Ops)

	assert.Empty(t, only[*protocol.Ops](drain(t, host)), "host ops go to viewers only")
}

func TestJoin_AtMostOneSnapshot(t *testing.T) {
	c, _, _ := setupCoordinator(t, Options{})
	v := NewConn(nil, protocol.RoleViewer, "v")

	send(c, v, `{"type":"join","role":"viewer","room":"A"}`)
	send(c, v, `{"type":"join","role":"viewer","room":"A"}`)
	send(c, v, `{"type":"hello","role":"viewer"}`)
	assert.Len(t, snapshots(drain(t, v)), 1)

	// a role change re-arms the guard
	send(c, v, `{"type":"hello","role":"host"}`)
	assert.Empty(t, snapshots(drain(t, v)))
	send(c, v, `{"type":"hello","role":"viewer"}`)
	assert.Len(t, snapshots(drain(t, v)), 1)

	// so does a room change
	send(c, v, `{"type":"join","role":"viewer","room":"B"}`)
	assert.Len(t, snapshots(drain(t, v)), 1)
}

func TestJoin_MovingRoomsUpdatesPresence(t *testing.T) {
	c, _, _ := setupCoordinator(t, Options{})

	watcher := NewConn(nil, protocol.RoleHost, "w")
	send(c, watcher, `{"type":"join","role":"host","room":"A"}`)
	drain(t, watcher)

	v := NewConn(nil, protocol.RoleViewer, "v")
	send(c, v, `{"type":"join","role":"viewer","room":"A"}`)
	presence := only[*protocol.Presence](drain(t, watcher))
	require.Len(t, presence, 1)
	assert.Equal(t, protocol.Presence{Room: "A", Hosts: 1, Viewers: 1}, *presence[0])

	send(c, v, `{"type":"join","role":"viewer","room":"B"}`)
	presence = only[*protocol.Presence](drain(t, watcher))
	require.Len(t, presence, 1)
	assert.Equal(t, 0, presence[0].Viewers)

	vp := only[*protocol.Presence](drain(t, v))
	require.NotEmpty(t, vp)
	assert.Equal(t, "B", vp[len(vp)-1].Room)

	c.Leave(watcher)
	assert.Equal(t, 0, c.Rooms()["A"].Hosts)
}

func TestHello_RecordsRoleBeforeJoin(t *testing.T) {
	c, _, _ := setupCoordinator(t, Options{})
	conn := NewConn(nil, protocol.RoleViewer, "c")

	send(c, conn, `{"type":"hello","role":"host"}`)
	assert.Equal(t, protocol.RoleHost, conn.Role())
	assert.Empty(t, drain(t, conn))

	send(c, conn, `{"type":"hello","role":"admin"}`)
	assert.Equal(t, protocol.RoleHost, conn.Role())
}

func TestOps_FromViewerIgnored(t *testing.T) {
	c, _, _ := setupCoordinator(t, Options{})
	v := NewConn(nil, protocol.RoleViewer, "v")
	other := NewConn(nil, protocol.RoleViewer, "o")
	send(c, v, `{"type":"join","role":"viewer","room":"A"}`)
	send(c, other, `{"type":"join","role":"viewer","room":"A"}`)
	drain(t, other)

	send(c, v, `{"type":"ops","ops":[{"target":"pad_1","on":true}]}`)
	assert.Empty(t, drain(t, other))
	assert.Zero(t, c.Rooms()["A"].Targets)
}

func TestOps_NormalizedAndSequenced(t *testing.T) {
	c, _, _ := setupCoordinator(t, Options{})

	seq, applied := c.ApplyOps("A", []protocol.Operation{
		{Target: "a", On: true},
		{Kind: "fog", Target: "b", On: true},
		{Kind: protocol.KindLight, On: true},
	})
	assert.Equal(t, uint64(1), seq)
	require.Len(t, applied, 1)
	assert.Equal(t, 1.0, applied[0].Level())

	seq, applied = c.ApplyOps("A", []protocol.Operation{{Kind: "fog", Target: "b"}})
	assert.Equal(t, uint64(1), seq, "empty batch does not advance")
	assert.Nil(t, applied)
}

func TestOps_LegacyBroadcastReachesHosts(t *testing.T) {
	c, _, _ := setupCoordinator(t, Options{LegacyBroadcast: true})
	h1 := NewConn(nil, protocol.RoleHost, "h1")
	h2 := NewConn(nil, protocol.RoleHost, "h2")
	send(c, h1, `{"type":"join","role":"host","room":"A"}`)
	send(c, h2, `{"type":"join","role":"host","room":"A"}`)
	drain(t, h1)
	drain(t, h2)

	send(c, h1, `{"type":"ops","ops":[{"target":"pad_1","on":true}]}`)
	assert.Len(t, only[*protocol.Ops](drain(t, h2)), 1)
	assert.Empty(t, drain(t, h1), "sender is excluded")
}

func TestIngestOps_FansOutToViewers(t *testing.T) {
	c, _, _ := setupCoordinator(t, Options{})
	v := NewConn(nil, protocol.RoleViewer, "v")
	send(c, v, `{"type":"join","role":"viewer","room":"A"}`)
	drain(t, v)

	seq, _ := c.IngestOps("A", []protocol.Operation{protocol.Light("pad_2", true, 0.5)})
	assert.Equal(t, uint64(1), seq)

	ops := only[*protocol.Ops](drain(t, v))
	require.Len(t, ops, 1)
	assert.Equal(t, []protocol.Operation{protocol.Light("pad_2", true, 0.5)}, ops[0].Ops)
}

const mapFrame = `{"type":"map:set","map":[{"type":"note","channel":0,"code":36,"target":"pad_1"}]}`

func TestMap_ChangeDetection(t *testing.T) {
	c, _, maps := setupCoordinator(t, Options{})
	host := NewConn(nil, protocol.RoleHost, "h")
	v := NewConn(nil, protocol.RoleViewer, "v")
	send(c, host, `{"type":"join","role":"host","room":"A"}`)
	send(c, v, `{"type":"join","role":"viewer","room":"A"}`)
	drain(t, host)
	drain(t, v)

	send(c, host, mapFrame)
	send(c, host, mapFrame)

	syncs := only[*protocol.MapSync](drain(t, v))
	require.Len(t, syncs, 1)
	assert.Equal(t, "note:0:36", syncs[0].Map[0].Key, "missing key filled from triple")

	acks := only[*protocol.MapAck](drain(t, host))
	require.Len(t, acks, 2)
	assert.Equal(t, syncs[0].Key, acks[0].Key)
	assert.Equal(t, acks[0], acks[1])
	assert.Equal(t, 1, acks[0].Viewers)

	assert.Equal(t, 1, maps.puts)
	assert.Len(t, maps.Get("A"), 1)
}

func TestMap_EnsureNeverClears(t *testing.T) {
	c, _, _ := setupCoordinator(t, Options{})
	host := NewConn(nil, protocol.RoleHost, "h")
	send(c, host, `{"type":"join","role":"host","room":"A"}`)
	send(c, host, mapFrame)
	drain(t, host)
	key := c.Rooms()["A"].MapKey
	require.NotEmpty(t, key)

	send(c, host, `{"type":"map:ensure","map":[]}`)
	acks := only[*protocol.MapAck](drain(t, host))
	require.Len(t, acks, 1)
	assert.Equal(t, key, acks[0].Key)

	send(c, host, `{"type":"map:set","map":[]}`)
	acks = only[*protocol.MapAck](drain(t, host))
	require.Len(t, acks, 1)
	assert.Equal(t, "", acks[0].Key)
}

func TestMap_ViewerCannotWrite(t *testing.T) {
	c, _, maps := setupCoordinator(t, Options{})
	v := NewConn(nil, protocol.RoleViewer, "v")
	send(c, v, `{"type":"join","role":"viewer","room":"A"}`)
	drain(t, v)

	send(c, v, mapFrame)
	assert.Empty(t, drain(t, v))
	assert.Zero(t, maps.puts)
}

func TestMap_GetAndJoinOrder(t *testing.T) {
	c, _, _ := setupCoordinator(t, Options{})
	host := NewConn(nil, protocol.RoleHost, "h")
	send(c, host, `{"type":"join","role":"host","room":"A"}`)

	send(c, host, `{"type":"map:get"}`)
	msgs := drain(t, host)
	assert.Len(t, only[*protocol.MapEmpty](msgs), 1)

	send(c, host, mapFrame)
	send(c, host, `{"type":"map:get"}`)
	assert.Len(t, only[*protocol.MapSync](drain(t, host)), 1)

	v := NewConn(nil, protocol.RoleViewer, "v")
	send(c, v, `{"type":"join","role":"viewer","room":"A"}`)
	msgs = drain(t, v)
	require.Len(t, msgs, 3)
	assert.IsType(t, &protocol.Presence{}, msgs[0])
	assert.IsType(t, &protocol.MapSync{}, msgs[1])
	assert.IsType(t, &protocol.Ops{}, msgs[2])
}

func TestProbe_ZeroResponders(t *testing.T) {
	c, clk, _ := setupCoordinator(t, Options{ProbeWindow: 800 * time.Millisecond})
	host := NewConn(nil, protocol.RoleHost, "h")
	send(c, host, `{"type":"join","role":"host","room":"A"}`)
	drain(t, host)

	send(c, host, `{"type":"probe","id":"p1"}`)
	clk.Advance(799 * time.Millisecond)
	assert.Empty(t, drain(t, host))

	clk.Advance(time.Millisecond)
	summaries := only[*protocol.ProbeSummary](drain(t, host))
	require.Len(t, summaries, 1)
	assert.Equal(t, protocol.ProbeSummary{ID: "p1", Count: 0, TotalViewers: 0}, *summaries[0])
	assert.Zero(t, c.InFlightProbes())
}

func TestProbe_CountsDistinctAcks(t *testing.T) {
	c, clk, _ := setupCoordinator(t, Options{})
	host := NewConn(nil, protocol.RoleHost, "h")
	v1 := NewConn(nil, protocol.RoleViewer, "v1")
	v2 := NewConn(nil, protocol.RoleViewer, "v2")
	send(c, host, `{"type":"join","role":"host","room":"A"}`)
	send(c, v1, `{"type":"join","role":"viewer","room":"A"}`)
	send(c, v2, `{"type":"join","role":"viewer","room":"A"}`)
	drain(t, host)
	drain(t, v2)
	drain(t, v1)

	id := c.Probe(host, "")
	require.NotEmpty(t, id)
	require.Len(t, only[*protocol.Probe](drain(t, v1)), 1)

	ack := `{"type":"probe:ack","id":"` + id + `"}`
	send(c, v1, ack)
	send(c, v1, ack)
	send(c, host, ack)

	assert.Equal(t, id, c.Probe(host, id), "duplicate in-flight probe is ignored")
	assert.Len(t, only[*protocol.Probe](drain(t, v2)), 1)

	clk.Advance(DefaultOptions().ProbeWindow)
	summaries := only[*protocol.ProbeSummary](drain(t, host))
	require.Len(t, summaries, 1)
	assert.Equal(t, 1, summaries[0].Count)
	assert.Equal(t, 2, summaries[0].TotalViewers)

	send(c, v2, ack)
	clk.Advance(time.Second)
	assert.Empty(t, drain(t, host), "late ack is a no-op")
}

func TestProbe_ViewerCannotProbe(t *testing.T) {
	c, _, _ := setupCoordinator(t, Options{})
	v := NewConn(nil, protocol.RoleViewer, "v")
	send(c, v, `{"type":"join","role":"viewer","room":"A"}`)
	assert.Equal(t, "", c.Probe(v, "x"))
	assert.Zero(t, c.InFlightProbes())
}

func TestReap_RemovesIdleEmptyRoomsAndReseedsMap(t *testing.T) {
	c, clk, maps := setupCoordinator(t, Options{})
	host := NewConn(nil, protocol.RoleHost, "h")
	send(c, host, `{"type":"join","role":"host","room":"A"}`)
	send(c, host, mapFrame)
	send(c, host, `{"type":"ops","ops":[{"target":"pad_1","on":true}]}`)
	key := c.Rooms()["A"].MapKey

	busy := NewConn(nil, protocol.RoleViewer, "b")
	send(c, busy, `{"type":"join","role":"viewer","room":"B"}`)

	c.Leave(host)
	clk.Advance(10 * time.Minute)
	assert.Empty(t, c.Reap(30*time.Minute), "not idle long enough")

	clk.Advance(21 * time.Minute)
	assert.Equal(t, []string{"A"}, c.Reap(30*time.Minute))
	assert.Nil(t, c.Registry().Get("A"))
	assert.NotNil(t, c.Registry().Get("B"), "rooms with members stay")
	assert.Len(t, maps.Get("A"), 1)

	v := NewConn(nil, protocol.RoleViewer, "v")
	send(c, v, `{"type":"join","role":"viewer","room":"A"}`)
	msgs := drain(t, v)
	syncs := only[*protocol.MapSync](msgs)
	require.Len(t, syncs, 1)
	assert.Equal(t, key, syncs[0].Key)
	snaps := snapshots(msgs)
	require.Len(t, snaps, 1)
	assert.Empty(t, snaps[0].Ops, "state does not survive reaping")
}

func TestUnknown_PassthroughOnlyInLegacyMode(t *testing.T) {
	frame := `{"type":"theme","name":"dusk"}`

	c, _, _ := setupCoordinator(t, Options{})
	a := NewConn(nil, protocol.RoleHost, "a")
	b := NewConn(nil, protocol.RoleViewer, "b")
	send(c, a, `{"type":"join","role":"host","room":"A"}`)
	send(c, b, `{"type":"join","role":"viewer","room":"A"}`)
	drain(t, b)
	send(c, a, frame)
	assert.Empty(t, drain(t, b))

	c, _, _ = setupCoordinator(t, Options{LegacyPassthrough: true})
	a = NewConn(nil, protocol.RoleHost, "a")
	b = NewConn(nil, protocol.RoleViewer, "b")
	send(c, a, `{"type":"join","role":"host","room":"A"}`)
	send(c, b, `{"type":"join","role":"viewer","room":"A"}`)
	drain(t, b)
	send(c, a, frame)
	raw := <-b.send
	assert.JSONEq(t, frame, string(raw))
}

func TestHandleMessage_MalformedDropped(t *testing.T) {
	c, _, _ := setupCoordinator(t, Options{})
	conn := NewConn(nil, protocol.RoleViewer, "c")
	send(c, conn, `{not json`)
	send(c, conn, `{"type":"join","room":5}`)
	assert.Empty(t, drain(t, conn))
	assert.Equal(t, "", conn.Room())
}

func TestLeave_ClosesSendAndDropsLateFrames(t *testing.T) {
	c, _, _ := setupCoordinator(t, Options{})
	v := NewConn(nil, protocol.RoleViewer, "v")
	send(c, v, `{"type":"join","role":"viewer","room":"A"}`)
	c.Leave(v)
	c.Leave(v)

	drain(t, v)
	_, open := <-v.send
	assert.False(t, open)
	assert.False(t, v.enqueue([]byte(`{}`)))
}

func TestMap_HostKeySurvivesReseed(t *testing.T) {
	c, clk, maps := setupCoordinator(t, Options{})
	frame := `{"type":"map:set","key":"stage-v1","map":[{"type":"note","channel":0,"code":36,"target":"pad_1"}]}`

	host := NewConn(nil, protocol.RoleHost, "h")
	send(c, host, `{"type":"join","role":"host","room":"A"}`)
	send(c, host, frame)
	acks := only[*protocol.MapAck](drain(t, host))
	require.Len(t, acks, 1)
	assert.Equal(t, "stage-v1", acks[0].Key)

	c.Leave(host)
	clk.Advance(31 * time.Minute)
	require.Equal(t, []string{"A"}, c.Reap(30*time.Minute))

	v := NewConn(nil, protocol.RoleViewer, "v")
	send(c, v, `{"type":"join","role":"viewer","room":"A"}`)
	require.Len(t, only[*protocol.MapSync](drain(t, v)), 1)

	host = NewConn(nil, protocol.RoleHost, "h2")
	send(c, host, `{"type":"join","role":"host","room":"A"}`)
	drain(t, v)
	send(c, host, frame)

	acks = only[*protocol.MapAck](drain(t, host))
	require.Len(t, acks, 1)
	assert.Equal(t, "stage-v1", acks[0].Key)
	assert.Empty(t, only[*protocol.MapSync](drain(t, v)), "same content is not re-sent")
	assert.Equal(t, 1, maps.puts)
}

func TestPing_Answered(t *testing.T) {
	c, _, _ := setupCoordinator(t, Options{})
	conn := NewConn(nil, protocol.RoleViewer, "c")
	send(c, conn, `{"type":"ping"}`)
	assert.Equal(t, []protocol.Message{&protocol.Ping{}}, drain(t, conn))
}

// Joins, fan-out, reaping and leaves race on one room; each viewer must see
// exactly one snapshot and only later deltas after it.
func TestConcurrentJoinOpsReapLeave(t *testing.T) {
	c := New(NewRegistry(), newMemMaps(), nil, zap.NewNop(), Options{})
	t.Cleanup(c.Close)

	const viewers = 50
	const batches = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < batches; i++ {
			c.IngestOps("A", []protocol.Operation{protocol.Light(fmt.Sprintf("pad_%d", i%8), i%2 == 0, 1)})
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		host := NewConn(nil, protocol.RoleHost, "host")
		send(c, host, `{"type":"join","role":"host","room":"A"}`)
		for i := 0; i < batches; i++ {
			send(c, host, fmt.Sprintf(`{"type":"ops","ops":[{"target":"spot_%d","on":true}]}`, i%4))
		}
		c.Leave(host)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.Reap(0)
			runtime.Gosched()
		}
	}()

	conns := make([]*Conn, viewers)
	for i := 0; i < viewers; i++ {
		conns[i] = NewConn(nil, protocol.RoleViewer, fmt.Sprintf("v%d", i))
		wg.Add(1)
		go func(v *Conn) {
			defer wg.Done()
			c.Join(v, protocol.RoleViewer, "A")
			runtime.Gosched()
			c.Join(v, protocol.RoleViewer, "A")
			c.Leave(v)
		}(conns[i])
	}
	wg.Wait()

	for _, v := range conns {
		var frames []*protocol.Ops
		for frame := range v.send {
			msg, err := protocol.Decode(frame)
			require.NoError(t, err)
			if ops, ok := msg.(*protocol.Ops); ok {
				frames = append(frames, ops)
			}
		}
		require.NotEmpty(t, frames, v.Remote)
		require.True(t, frames[0].Snapshot, "%s: first ops frame is the snapshot", v.Remote)
		require.Len(t, snapshots(toMessages(frames)), 1, v.Remote)

		last := frames[0].Seq
		for _, delta := range frames[1:] {
			assert.Greater(t, delta.Seq, last, v.Remote)
			last = delta.Seq
		}
	}
}

func toMessages(frames []*protocol.Ops) []protocol.Message {
	out := make([]protocol.Message, len(frames))
	for i, f := range frames {
		out[i] = f
	}
	return out
}

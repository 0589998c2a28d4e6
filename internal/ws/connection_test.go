package ws

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func (cs *connection) laneCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.lanes)
}

func TestIdleLanesAreDropped(t *testing.T) {
	g := newGateway(t)
	c := &client{id: "lanes", hub: g.hub, send: make(chan []byte, 64)}
	cs := newConnection(g.server, c)
	cs.authTimer.Stop()
	cs.user = "alice"
	t.Cleanup(cs.cancel)

	for i := range 20 {
		cs.handleFrame([]byte(fmt.Sprintf(`{"event":"audioSync:getState","data":{"sessionId":"bogus-%d"}}`, i)))
	}
	eventually(t, func() bool { return cs.laneCount() == 0 && len(c.send) == 20 }, "lanes for unknown sessions were kept")
}

func TestFollowsDropReturnsOrphanedSessions(t *testing.T) {
	f := newFollows()
	a1, a2 := &connection{}, &connection{}

	f.add("alice", "s1", a1)
	f.add("alice", "s1", a2)
	f.add("alice", "s2", a1)
	f.add("bob", "s1", a1)

	assert.Equal(t, []string{"s2"}, f.drop("alice", a1))
	assert.Equal(t, []string{"s1"}, f.drop("alice", a2))
	assert.Empty(t, f.drop("alice", a2))
	assert.NotContains(t, f.refs, "alice")
	assert.Contains(t, f.refs, "bob")
}

func TestFollowsForgetAndEnd(t *testing.T) {
	f := newFollows()
	a1, b1 := &connection{}, &connection{}
	f.add("alice", "s1", a1)
	f.add("alice", "s2", a1)
	f.add("bob", "s2", b1)

	f.forget("alice", "s1")
	f.end("s2")

	assert.Empty(t, f.drop("alice", a1))
	assert.Empty(t, f.drop("bob", b1))
	assert.Empty(t, f.refs)
}

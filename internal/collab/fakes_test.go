package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/wakeup/audiostudio/internal/effect"
	"github.com/wakeup/audiostudio/internal/pipeline"
	"github.com/wakeup/audiostudio/internal/protocol"
)

type delivery struct {
	user    string
	private bool
	msg     protocol.Message
}

// fakeRouter expands session broadcasts into one delivery per subscribed
// user so tests can ask what each user received.
type fakeRouter struct {
	mu         sync.Mutex
	members    map[string]map[string]bool
	deliveries []delivery
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{members: make(map[string]map[string]bool)}
}

func (r *fakeRouter) SendToUser(userID string, m protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, delivery{user: userID, private: true, msg: m})
}

func (r *fakeRouter) SendToSession(sessionID string, m protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]string, 0, len(r.members[sessionID]))
	for u := range r.members[sessionID] {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		r.deliveries = append(r.deliveries, delivery{user: u, msg: m})
	}
}

func (r *fakeRouter) JoinSession(sessionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[sessionID] == nil {
		r.members[sessionID] = make(map[string]bool)
	}
	r.members[sessionID][userID] = true
}

func (r *fakeRouter) LeaveSession(sessionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[sessionID], userID)
}

func (r *fakeRouter) CloseSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, sessionID)
}

func (r *fakeRouter) subscribed(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var users []string
	for u := range r.members[sessionID] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// received returns the messages delivered to user, skipping progress
// updates unless withStatus is set.
func (r *fakeRouter) received(user string, withStatus bool) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []delivery
	for _, d := range r.deliveries {
		if d.user != user {
			continue
		}
		if !withStatus && d.msg.Event == protocol.EvProcessingStatus {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (r *fakeRouter) events(user string) []protocol.Event {
	var evs []protocol.Event
	for _, d := range r.received(user, false) {
		evs = append(evs, d.msg.Event)
	}
	return evs
}

func (r *fakeRouter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = nil
}

var errBadInput = errors.New("Invalid data found when processing input")

// fakeProcessor tags its output with the operation so results are
// distinguishable, and fails on inputs starting with "bad".
type fakeProcessor struct {
	mu      sync.Mutex
	calls   []string
	gate    chan struct{} // when set, Apply waits for a receive
	entered chan struct{} // when set, Apply signals on entry
}

func (p *fakeProcessor) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func (p *fakeProcessor) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func chainIDs(chain []effect.Descriptor) string {
	ids := make([]string, len(chain))
	for i, d := range chain {
		ids[i] = fmt.Sprintf("%s:%s", d.ID, d.Type)
	}
	return strings.Join(ids, ",")
}

func (p *fakeProcessor) Apply(ctx context.Context, input []byte, chain []effect.Descriptor, onProgress func(int)) ([]byte, error) {
	p.record("apply:" + string(input))
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, &pipeline.PipelineError{Stage: pipeline.OpEffects, Cause: ctx.Err()}
		}
	}
	onProgress(0)
	if bytes.HasPrefix(input, []byte("bad")) {
		return nil, &pipeline.PipelineError{Stage: pipeline.OpEffects, Cause: errBadInput}
	}
	onProgress(50)
	return []byte("fx[" + chainIDs(chain) + "]" + string(input)), nil
}

func (p *fakeProcessor) Mix(_ context.Context, primary, secondary []byte, gain float64, onProgress func(int)) ([]byte, error) {
	p.record("mix")
	onProgress(0)
	return []byte(fmt.Sprintf("mix[%s+%s@%g]", primary, secondary, gain)), nil
}

func (p *fakeProcessor) Concatenate(_ context.Context, buffers [][]byte, onProgress func(int)) ([]byte, error) {
	p.record("concat")
	if len(buffers) == 0 {
		return nil, &pipeline.PipelineError{Stage: pipeline.OpMerge, Cause: errors.New("no buffers")}
	}
	onProgress(0)
	return bytes.Join(buffers, []byte("+")), nil
}

func (p *fakeProcessor) Trim(_ context.Context, input []byte, start, duration float64, onProgress func(int)) ([]byte, error) {
	p.record("trim")
	onProgress(0)
	return []byte(fmt.Sprintf("trim[%g,%g]%s", start, duration, input)), nil
}

package ra_test

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/ramutex/internal/lamport"
	"pkt.systems/ramutex/internal/ra"
	"pkt.systems/ramutex/internal/transport/memnet"
)

func identity(id int) ra.PeerIdentity {
	return ra.PeerIdentity{ID: ra.ProcessID(id), Address: "mem-" + string(rune('0'+id))}
}

func identities(ids ...int) []ra.PeerIdentity {
	out := make([]ra.PeerIdentity, 0, len(ids))
	for _, id := range ids {
		out = append(out, identity(id))
	}
	return out
}

type sent struct {
	to  ra.ProcessID
	msg ra.Message
}

// capture records outbound messages without delivering them.
type capture struct {
	mu   sync.Mutex
	msgs []sent
}

func (c *capture) Send(_ context.Context, target ra.PeerIdentity, msg ra.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, sent{to: target.ID, msg: msg})
	return nil
}

func (c *capture) filter(kind ra.Kind, to ra.ProcessID) []ra.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ra.Message
	for _, s := range c.msgs {
		if s.msg.Kind == kind && s.to == to {
			out = append(out, s.msg)
		}
	}
	return out
}

func newCoordinator(t *testing.T, self int, peers []ra.PeerIdentity, sender ra.Sender) *ra.Coordinator {
	t.Helper()
	c, err := ra.New(ra.Config{Self: identity(self), Peers: peers, Sender: sender})
	if err != nil {
		t.Fatalf("ra.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newCluster(t *testing.T, n int) (*memnet.Network, []*ra.Coordinator) {
	t.Helper()
	net := memnet.New(nil)
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i + 1
	}
	peers := identities(ids...)
	nodes := make([]*ra.Coordinator, n)
	for i, id := range ids {
		nodes[i] = newCoordinator(t, id, peers, net.Sender(ra.ProcessID(id)))
		net.Attach(ra.ProcessID(id), nodes[i])
	}
	return net, nodes
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// holdOpen starts a request whose critical section blocks until the returned
// release func is called. entered is closed once the section is running.
func holdOpen(t *testing.T, c *ra.Coordinator) (entered <-chan struct{}, release func() error) {
	t.Helper()
	in := make(chan struct{})
	out := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- c.RequestCriticalSection(context.Background(), func(context.Context) error {
			close(in)
			<-out
			return nil
		})
	}()
	var once sync.Once
	return in, func() error {
		once.Do(func() { close(out) })
		select {
		case err := <-errc:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("critical section did not return")
			return nil
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	sender := &capture{}
	if _, err := ra.New(ra.Config{Self: identity(0), Sender: sender}); err == nil {
		t.Fatal("expected error for non-positive id")
	}
	if _, err := ra.New(ra.Config{Self: identity(1)}); err == nil {
		t.Fatal("expected error for missing sender")
	}
	if _, err := ra.New(ra.Config{Self: identity(1), Peers: identities(2, 2), Sender: sender}); err == nil {
		t.Fatal("expected error for duplicate peer")
	}
	c := newCoordinator(t, 2, identities(3, 1, 2), sender)
	got := c.Peers()
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 3 {
		t.Fatalf("expected peers [1 3] without self, got %v", got)
	}
	snap := c.Snapshot()
	if snap.State != ra.StateReleased || snap.Clock != 0 || snap.HasRequest() {
		t.Fatalf("unexpected initial snapshot %+v", snap)
	}
}

func TestSingleNodeEntersImmediately(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, 1, nil, &capture{})
	var ran bool
	err := c.RequestCriticalSection(context.Background(), func(context.Context) error {
		ran = c.State() == ra.StateHeld
		return nil
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !ran {
		t.Fatal("critical section did not run while HELD")
	}
	if c.State() != ra.StateReleased {
		t.Fatalf("expected RELEASED after release, got %s", c.State())
	}
}

func TestCriticalSectionErrorIsReturnedAfterRelease(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, 1, nil, &capture{})
	boom := errors.New("boom")
	err := c.RequestCriticalSection(context.Background(), func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if c.State() != ra.StateReleased {
		t.Fatalf("expected RELEASED, got %s", c.State())
	}
}

func TestReleasedNodeRepliesImmediately(t *testing.T) {
	t.Parallel()

	sender := &capture{}
	c := newCoordinator(t, 1, identities(2), sender)
	if err := c.Deliver(context.Background(), ra.Request(identity(2), 3)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	replies := sender.filter(ra.KindReply, 2)
	if len(replies) != 1 {
		t.Fatalf("expected one reply, got %d", len(replies))
	}
	// merge(0,3) = 4, then the send stamp advances to 5.
	if replies[0].Timestamp != 5 {
		t.Fatalf("expected reply stamped 5, got %d", replies[0].Timestamp)
	}
	if c.Snapshot().Clock != 5 {
		t.Fatalf("expected clock 5, got %d", c.Snapshot().Clock)
	}
}

func TestPriorityDeterminism(t *testing.T) {
	t.Parallel()

	type routed struct {
		to  ra.ProcessID
		msg ra.Message
	}
	queue := make(chan routed, 64)
	sender := ra.SenderFunc(func(_ context.Context, target ra.PeerIdentity, msg ra.Message) error {
		queue <- routed{to: target.ID, msg: msg}
		return nil
	})
	peers := identities(1, 2, 3)
	nodes := map[ra.ProcessID]*ra.Coordinator{}
	for _, p := range peers {
		nodes[p.ID] = newCoordinator(t, int(p.ID), peers, sender)
	}
	// A stale reply moves each clock to 4 so every request is stamped 5.
	for id, c := range nodes {
		from := identity(int(id)%3 + 1)
		if err := c.Deliver(context.Background(), ra.Reply(from, 3)); err != nil {
			t.Fatalf("prime clock: %v", err)
		}
	}

	var (
		mu    sync.Mutex
		order []ra.ProcessID
		wg    sync.WaitGroup
	)
	for id, c := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.RequestCriticalSection(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("node %d: %v", id, err)
			}
		}()
	}
	waitFor(t, "all requests broadcast", func() bool { return len(queue) == 6 })
	for id, c := range nodes {
		if ts := c.Snapshot().RequestTimestamp; ts != 5 {
			t.Fatalf("node %d request stamped %d, want 5", id, ts)
		}
	}

	stop := make(chan struct{})
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		for {
			select {
			case r := <-queue:
				_ = nodes[r.to].Deliver(context.Background(), r.msg)
			case <-stop:
				return
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-pumped

	if !slices.Equal(order, []ra.ProcessID{1, 2, 3}) {
		t.Fatalf("expected entry order [1 2 3], got %v", order)
	}
	for id, c := range nodes {
		snap := c.Snapshot()
		if snap.State != ra.StateReleased || len(snap.Deferred) != 0 || len(snap.Pending) != 0 {
			t.Fatalf("node %d not clean after run: %+v", id, snap)
		}
	}
}

func TestPartitionedPeerKeepsRequesterWanted(t *testing.T) {
	t.Parallel()

	net, nodes := newCluster(t, 3)
	net.Partition(3)

	done := make(chan error, 1)
	go func() {
		done <- nodes[0].RequestCriticalSection(context.Background(), func(context.Context) error { return nil })
	}()
	waitFor(t, "reply from peer 2", func() bool {
		return slices.Equal(nodes[0].Snapshot().Pending, []ra.ProcessID{3})
	})

	select {
	case err := <-done:
		t.Fatalf("request completed while a peer was unreachable: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if state := nodes[0].State(); state != ra.StateWanted {
		t.Fatalf("expected WANTED, got %s", state)
	}
	if net.Count(1, 3, ra.KindRequest) != 0 {
		t.Fatal("partitioned peer must not receive the request")
	}

	// RA never retransmits, so once the link is back the lost request is
	// replayed into peer 3 and its own reply travels back over the network.
	net.Heal(3)
	reqTS := nodes[0].Snapshot().RequestTimestamp
	if err := nodes[2].Deliver(context.Background(), ra.Request(identity(1), reqTS)); err != nil {
		t.Fatalf("replay request into peer 3: %v", err)
	}
	if net.Count(3, 1, ra.KindReply) != 1 {
		t.Fatal("peer 3 did not reply over the network")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("request: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request did not complete after the reply arrived")
	}
}

func TestDuplicateAndStaleRepliesAreIgnored(t *testing.T) {
	t.Parallel()

	sender := &capture{}
	c := newCoordinator(t, 1, identities(2, 3), sender)
	entered, release := holdOpen(t, c)
	waitFor(t, "WANTED", func() bool { return c.State() == ra.StateWanted })
	ts := c.Snapshot().RequestTimestamp

	for range 2 {
		if err := c.Deliver(context.Background(), ra.Reply(identity(2), ts+1)); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	snap := c.Snapshot()
	if snap.State != ra.StateWanted || !slices.Equal(snap.Pending, []ra.ProcessID{3}) {
		t.Fatalf("duplicate reply changed state: %+v", snap)
	}
	// Stamped no later than the request, so it cannot answer it.
	if err := c.Deliver(context.Background(), ra.Reply(identity(3), ts)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if c.State() != ra.StateWanted {
		t.Fatal("stale reply must not grant the section")
	}

	if err := c.Deliver(context.Background(), ra.Reply(identity(3), ts+5)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	<-entered
	if c.State() != ra.StateHeld {
		t.Fatalf("expected HELD, got %s", c.State())
	}
	if err := c.Deliver(context.Background(), ra.Reply(identity(2), ts+9)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if c.State() != ra.StateHeld {
		t.Fatal("late duplicate reply changed the HELD state")
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestDeferredRepliesFlushExactlyOnce(t *testing.T) {
	t.Parallel()

	sender := &capture{}
	c := newCoordinator(t, 1, identities(2), sender)
	entered, release := holdOpen(t, c)
	waitFor(t, "WANTED", func() bool { return c.State() == ra.StateWanted })
	ts := c.Snapshot().RequestTimestamp
	if err := c.Deliver(context.Background(), ra.Reply(identity(2), ts+1)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	<-entered

	// Arrives while HELD and is re-delivered; both are deferred as one.
	for range 2 {
		if err := c.Deliver(context.Background(), ra.Request(identity(2), 1)); err != nil {
			t.Fatalf("deliver request: %v", err)
		}
	}
	if got := c.Snapshot().Deferred; !slices.Equal(got, []ra.ProcessID{2}) {
		t.Fatalf("expected deferred [2], got %v", got)
	}
	if n := len(sender.filter(ra.KindReply, 2)); n != 0 {
		t.Fatalf("reply sent while HELD: %d", n)
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if n := len(sender.filter(ra.KindReply, 2)); n != 1 {
		t.Fatalf("expected exactly one deferred reply, got %d", n)
	}

	// A second episode with nothing deferred must not resend.
	entered, release = holdOpen(t, c)
	waitFor(t, "WANTED", func() bool { return c.State() == ra.StateWanted })
	ts = c.Snapshot().RequestTimestamp
	if err := c.Deliver(context.Background(), ra.Reply(identity(2), ts+1)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	<-entered
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if n := len(sender.filter(ra.KindReply, 2)); n != 1 {
		t.Fatalf("deferred set leaked into next episode: %d replies", n)
	}
}

func TestWantedNodeDefersLowerPriorityAndRepliesToHigher(t *testing.T) {
	t.Parallel()

	sender := &capture{}
	c := newCoordinator(t, 2, identities(1, 3), sender)
	_, release := holdOpen(t, c)
	t.Cleanup(func() { _ = c.Close() })
	waitFor(t, "WANTED", func() bool { return c.State() == ra.StateWanted })
	ts := c.Snapshot().RequestTimestamp

	if err := c.Deliver(context.Background(), ra.Request(identity(3), ts)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := c.Deliver(context.Background(), ra.Request(identity(1), ts)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := c.Snapshot().Deferred; !slices.Equal(got, []ra.ProcessID{3}) {
		t.Fatalf("expected only 3 deferred, got %v", got)
	}
	if n := len(sender.filter(ra.KindReply, 1)); n != 1 {
		t.Fatalf("expected immediate reply to higher priority peer 1, got %d", n)
	}
	_ = c.Close()
	if err := release(); !errors.Is(err, ra.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSecondRequestIsProtocolMisuse(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, 1, identities(2), &capture{})
	_, release := holdOpen(t, c)
	waitFor(t, "WANTED", func() bool { return c.State() == ra.StateWanted })
	before := c.Snapshot()

	err := c.RequestCriticalSection(context.Background(), func(context.Context) error {
		t.Error("misused request must not run")
		return nil
	})
	if !errors.Is(err, ra.ErrProtocolMisuse) {
		t.Fatalf("expected ErrProtocolMisuse, got %v", err)
	}
	after := c.Snapshot()
	if after.State != before.State || after.RequestTimestamp != before.RequestTimestamp || after.Clock != before.Clock {
		t.Fatalf("misuse mutated state: before %+v after %+v", before, after)
	}
	_ = c.Close()
	_ = release()
}

func TestUnknownPeerIsRejectedWithoutTouchingState(t *testing.T) {
	t.Parallel()

	sender := &capture{}
	c := newCoordinator(t, 1, identities(2), sender)
	err := c.Deliver(context.Background(), ra.Request(identity(9), 40))
	if !errors.Is(err, ra.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	if clock := c.Snapshot().Clock; clock != 0 {
		t.Fatalf("unknown peer advanced the clock to %d", clock)
	}
	if len(sender.filter(ra.KindReply, 9)) != 0 {
		t.Fatal("unknown peer received a reply")
	}
}

func TestMalformedMessageIsRejected(t *testing.T) {
	t.Parallel()

	sender := &capture{}
	c := newCoordinator(t, 1, identities(2), sender)
	for _, ts := range []lamport.Time{0, lamport.Limit, lamport.Time(math.MaxUint64)} {
		msg := ra.Message{Kind: ra.KindRequest, From: identity(2), Timestamp: ts}
		if err := c.Deliver(context.Background(), msg); !errors.Is(err, ra.ErrMalformedMessage) {
			t.Fatalf("ts %d: expected ErrMalformedMessage, got %v", uint64(ts), err)
		}
	}
	if clock := c.Snapshot().Clock; clock != 0 {
		t.Fatalf("rejected messages moved the clock to %d", clock)
	}
	if replies := sender.filter(ra.KindReply, 2); len(replies) != 0 {
		t.Fatalf("rejected requests were answered: %+v", replies)
	}

	if err := c.Deliver(context.Background(), ra.Request(identity(2), lamport.Limit-1)); err != nil {
		t.Fatalf("deliver largest timestamp: %v", err)
	}
	replies := sender.filter(ra.KindReply, 2)
	if len(replies) != 1 || replies[0].Timestamp <= lamport.Limit-1 {
		t.Fatalf("reply must be stamped after the request, got %+v", replies)
	}
}

func TestCloseFailsBlockedRequest(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, 1, identities(2), &capture{})
	done := make(chan error, 1)
	go func() {
		done <- c.RequestCriticalSection(context.Background(), func(context.Context) error { return nil })
	}()
	waitFor(t, "WANTED", func() bool { return c.State() == ra.StateWanted })
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ra.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close did not unblock the request")
	}
	if err := c.Deliver(context.Background(), ra.Reply(identity(2), 9)); !errors.Is(err, ra.ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if err := c.RequestCriticalSection(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ra.ErrClosed) {
		t.Fatalf("expected ErrClosed for new request, got %v", err)
	}
}

// closingSender grants the request and closes the coordinator before the
// requester starts waiting, so both wake-up channels are ready at once.
type closingSender struct {
	c *ra.Coordinator
}

func (s *closingSender) Send(ctx context.Context, target ra.PeerIdentity, msg ra.Message) error {
	if msg.Kind == ra.KindRequest {
		if err := s.c.Deliver(ctx, ra.Reply(target, msg.Timestamp+1)); err != nil {
			return err
		}
		return s.c.Close()
	}
	return nil
}

func TestCloseRacingGrantLeavesNodeReleased(t *testing.T) {
	t.Parallel()

	for i := 0; i < 64; i++ {
		sender := &closingSender{}
		c := newCoordinator(t, 1, identities(2), sender)
		sender.c = c
		err := c.RequestCriticalSection(context.Background(), func(context.Context) error { return nil })
		if err != nil && !errors.Is(err, ra.ErrClosed) {
			t.Fatalf("round %d: unexpected error %v", i, err)
		}
		snap := c.Snapshot()
		if snap.State != ra.StateReleased || snap.HasRequest() || snap.RequestTimestamp != 0 {
			t.Fatalf("round %d: closed node left in %s with request ts %d", i, snap.State, snap.RequestTimestamp)
		}
	}
}

func TestMutualExclusionUnderContention(t *testing.T) {
	t.Parallel()

	const (
		peers    = 4
		attempts = 25
	)
	_, nodes := newCluster(t, peers)

	var (
		inside  atomic.Int32
		entries atomic.Int32
		wg      sync.WaitGroup
	)
	for _, c := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range attempts {
				err := c.RequestCriticalSection(context.Background(), func(context.Context) error {
					if n := inside.Add(1); n != 1 {
						t.Errorf("%d processes inside the critical section", n)
					}
					entries.Add(1)
					time.Sleep(50 * time.Microsecond)
					inside.Add(-1)
					return nil
				})
				if err != nil {
					t.Errorf("node %d: %v", c.Self().ID, err)
					return
				}
			}
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(30 * time.Second):
		t.Fatal("a requester starved")
	}
	if got := entries.Load(); got != peers*attempts {
		t.Fatalf("expected %d entries, got %d", peers*attempts, got)
	}
	for _, c := range nodes {
		if snap := c.Snapshot(); snap.State != ra.StateReleased || len(snap.Deferred) != 0 {
			t.Fatalf("node %d left dirty state %+v", c.Self().ID, snap)
		}
	}
}

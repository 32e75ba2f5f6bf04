package avb

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/irctrakz/ifstack/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedChange struct {
	ctx      any
	from, to State
}

type recordingObserver struct {
	mu      sync.Mutex
	changes []recordedChange
	onEvent func(nctx context.Context, from, to State)
}

func (o *recordingObserver) AVBStateChanged(nctx context.Context, ctx any, from, to State) {
	o.mu.Lock()
	o.changes = append(o.changes, recordedChange{ctx: ctx, from: from, to: to})
	hook := o.onEvent
	o.mu.Unlock()
	if hook != nil {
		hook(nctx, from, to)
	}
}

func (o *recordingObserver) Changes() []recordedChange {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]recordedChange(nil), o.changes...)
}

type fakeHardware struct {
	mu     sync.Mutex
	failTo map[State]bool
	calls  [][2]State
}

func (h *fakeHardware) ApplyAVBState(from, to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, [2]State{from, to})
	if h.failTo[to] {
		return errors.New("register write failed")
	}
	return nil
}

type order struct {
	mu  sync.Mutex
	seq []string
}

func (o *order) add(s string) {
	o.mu.Lock()
	o.seq = append(o.seq, s)
	o.mu.Unlock()
}

func (o *order) get() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.seq...)
}

type egressFunc func(ctx any, id EgressID, pkt core.Packet, ts Timestamp)

type egressRecorder struct{ fn egressFunc }

func (e *egressRecorder) HandleEgressTimestamp(ctx any, id EgressID, pkt core.Packet, ts Timestamp) {
	e.fn(ctx, id, pkt, ts)
}

type ingressRecorder struct {
	fn func(ctx any, pkt core.Packet, ts Timestamp)
}

func (i *ingressRecorder) HandleIngress(ctx any, pkt core.Packet, ts Timestamp) {
	i.fn(ctx, pkt, ts)
}

func newStreamingController(t *testing.T, hw Hardware) *Controller {
	t.Helper()
	c := NewController("eth0", core.StreamingConfig{PollInterval: 5 * time.Millisecond}, hw)
	require.NoError(t, c.Enable())
	require.NoError(t, c.StartTimeSync())
	require.NoError(t, c.StartStreaming())
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

func TestControllerObserversSeeChanges(t *testing.T) {
	c := NewController("eth0", core.StreamingConfig{}, nil)
	obs := &recordingObserver{}
	h, err := c.RegisterObserver(obs, "a")
	require.NoError(t, err)

	_, err = c.RegisterObserver(obs, "a")
	assert.True(t, core.IsCode(err, core.ErrCodeAlreadyExists))
	_, err = c.RegisterObserver(obs, "b")
	require.NoError(t, err)

	require.NoError(t, c.Enable())
	require.NoError(t, c.StartTimeSync())
	require.NoError(t, c.StartTimeSync()) // no state change, no notification

	changes := obs.Changes()
	require.Len(t, changes, 4)
	assert.Equal(t, recordedChange{"a", Disabled, Activated}, changes[0])
	assert.Equal(t, recordedChange{"b", Disabled, Activated}, changes[1])
	assert.Equal(t, recordedChange{"a", Activated, TimeSyncEnabled}, changes[2])

	require.NoError(t, c.UnregisterObserver(h))
	err = c.UnregisterObserver(h)
	assert.True(t, core.IsCode(err, core.ErrCodeNotFound))

	s, counters, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, TimeSyncEnabled, s)
	assert.Equal(t, int32(2), counters.TimeSync)
}

func TestControllerRejectsBadObservers(t *testing.T) {
	c := NewController("eth0", core.StreamingConfig{}, nil)
	_, err := c.RegisterObserver(nil, nil)
	assert.True(t, core.IsCode(err, core.ErrCodeBadArgument))

	_, err = c.RegisterObserver(&recordingObserver{}, []int{1})
	assert.True(t, core.IsCode(err, core.ErrCodeBadArgument))
}

func TestControllerReentrantObserverFails(t *testing.T) {
	c := NewController("eth0", core.StreamingConfig{}, nil)
	var inner error
	obs := &recordingObserver{}
	obs.onEvent = func(nctx context.Context, from, to State) {
		if to == Activated {
			inner = c.Apply(nctx, EventStartTimeSync)
		}
	}
	_, err := c.RegisterObserver(obs, nil)
	require.NoError(t, err)

	require.NoError(t, c.Enable())
	require.Error(t, inner)
	assert.True(t, core.IsCode(inner, core.ErrCodeInternal), "got %v", inner)

	s, _, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, Activated, s)
}

func TestControllerConcurrentCallerWaitsForNotification(t *testing.T) {
	c := NewController("eth0", core.StreamingConfig{PollInterval: 5 * time.Millisecond}, nil)
	t.Cleanup(func() { _ = c.Shutdown() })

	entered := make(chan struct{})
	release := make(chan struct{})
	obs := &recordingObserver{}
	obs.onEvent = func(_ context.Context, from, to State) {
		if to == Activated {
			close(entered)
			<-release
		}
	}
	_, err := c.RegisterObserver(obs, nil)
	require.NoError(t, err)

	enableErr := make(chan error, 1)
	go func() { enableErr <- c.Enable() }()
	<-entered

	syncErr := make(chan error, 1)
	stateCh := make(chan State, 1)
	go func() {
		syncErr <- c.StartTimeSync()
		s, _, _ := c.State()
		stateCh <- s
	}()

	select {
	case err := <-syncErr:
		t.Fatalf("StartTimeSync returned during notification: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	require.NoError(t, <-enableErr)
	require.NoError(t, <-syncErr)
	assert.Equal(t, TimeSyncEnabled, <-stateCh)
	assert.Equal(t, []recordedChange{
		{from: Disabled, to: Activated},
		{from: Activated, to: TimeSyncEnabled},
	}, obs.Changes())
	assert.Equal(t, uint64(0), c.Metrics()["rejected"])
}

func TestControllerRejectedEventsLeaveState(t *testing.T) {
	c := NewController("eth0", core.StreamingConfig{}, nil)
	obs := &recordingObserver{}
	_, err := c.RegisterObserver(obs, nil)
	require.NoError(t, err)

	err = c.StartStreaming()
	assert.True(t, core.IsCode(err, core.ErrCodeNotPermitted))
	assert.Empty(t, obs.Changes())
	m := c.Metrics()
	assert.Equal(t, uint64(1), m["rejected"])
	assert.Equal(t, uint64(0), m["pending_signals"])
}

func TestControllerHardwareFailureAborts(t *testing.T) {
	hw := &fakeHardware{failTo: map[State]bool{AVBEnabled: true}}
	c := NewController("eth0", core.StreamingConfig{}, hw)
	obs := &recordingObserver{}
	_, err := c.RegisterObserver(obs, nil)
	require.NoError(t, err)

	require.NoError(t, c.Enable())
	require.NoError(t, c.StartTimeSync())
	before := len(obs.Changes())

	err = c.StartStreaming()
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrCodeInternal))

	s, counters, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, TimeSyncEnabled, s)
	assert.Equal(t, int32(0), counters.AVB)
	assert.Len(t, obs.Changes(), before)
	assert.False(t, c.Worker().Running())
}

func TestControllerWorkerFollowsStreaming(t *testing.T) {
	hw := &fakeHardware{}
	c := NewController("eth0", core.StreamingConfig{PollInterval: 5 * time.Millisecond}, hw)
	require.NoError(t, c.Enable())
	assert.False(t, c.Worker().Running())

	require.NoError(t, c.StartTimeSync())
	require.NoError(t, c.StartStreaming())
	assert.True(t, c.Worker().Running())

	require.NoError(t, c.StopStreaming())
	assert.False(t, c.Worker().Running())

	require.NoError(t, c.StartStreaming())
	assert.True(t, c.Worker().Running())
	require.NoError(t, c.Disable())
	assert.False(t, c.Worker().Running())

	// Re-enabling restores AVB from the retained counts and restarts the worker.
	require.NoError(t, c.Enable())
	s, _, _ := c.State()
	assert.Equal(t, AVBEnabled, s)
	assert.True(t, c.Worker().Running())
	require.NoError(t, c.Shutdown())

	wm := c.Worker().Metrics()
	assert.Equal(t, uint64(3), wm.Starts)
	assert.Equal(t, uint64(3), wm.Stops)

	hw.mu.Lock()
	defer hw.mu.Unlock()
	assert.Contains(t, hw.calls, [2]State{TimeSyncEnabled, AVBEnabled})
}

func TestEgressIDAllocation(t *testing.T) {
	c := NewController("eth0", core.StreamingConfig{MaxEgressID: 3}, nil)
	h := &egressRecorder{fn: func(any, EgressID, core.Packet, Timestamp) {}}

	var ids []EgressID
	for i := 0; i < 3; i++ {
		id, err := c.RegisterEgressHandler(h, i)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []EgressID{1, 2, 3}, ids)

	_, err := c.RegisterEgressHandler(h, 99)
	assert.True(t, core.IsCode(err, core.ErrCodeResourceExhausted))

	require.NoError(t, c.UnregisterEgressHandler(2))
	id, err := c.RegisterEgressHandler(h, 4)
	require.NoError(t, err)
	assert.Equal(t, EgressID(2), id, "wraps past live identifiers")

	err = c.UnregisterEgressHandler(42)
	assert.True(t, core.IsCode(err, core.ErrCodeNotFound))
}

func TestEgressRoutedToRegistrant(t *testing.T) {
	c := newStreamingController(t, nil)

	got := make(chan Timestamp, 4)
	var otherCalls int32
	mine := &egressRecorder{fn: func(ctx any, id EgressID, pkt core.Packet, ts Timestamp) {
		assert.Equal(t, "mine", ctx)
		got <- ts
	}}
	other := &egressRecorder{fn: func(any, EgressID, core.Packet, Timestamp) {
		atomic.AddInt32(&otherCalls, 1)
	}}

	id, err := c.RegisterEgressHandler(mine, "mine")
	require.NoError(t, err)
	_, err = c.RegisterEgressHandler(other, "other")
	require.NoError(t, err)

	pkt := core.NewCompletionPacket([]byte{1, 2, 3}, nil)
	require.NoError(t, c.CompleteEgress(id, pkt, 1234))

	select {
	case ts := <-got:
		assert.Equal(t, Timestamp(1234), ts)
	case <-time.After(2 * time.Second):
		t.Fatalf("egress callback not delivered")
	}
	require.Eventually(t, func() bool { return core.IsCompleted(pkt) }, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&otherCalls))

	// Unknown identifiers are completed without a callback.
	stray := core.NewCompletionPacket([]byte{9}, nil)
	require.NoError(t, c.CompleteEgress(77, stray, 1))
	require.Eventually(t, func() bool { return core.IsCompleted(stray) }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), c.Worker().Metrics().Unroutable)
}

func TestIngressBroadcast(t *testing.T) {
	c := newStreamingController(t, nil)

	var a, b int32
	ha := &ingressRecorder{fn: func(any, core.Packet, Timestamp) { atomic.AddInt32(&a, 1) }}
	hb := &ingressRecorder{fn: func(any, core.Packet, Timestamp) { atomic.AddInt32(&b, 1) }}
	require.NoError(t, c.RegisterIngressHandler(ha, nil))
	require.NoError(t, c.RegisterIngressHandler(hb, nil))
	assert.True(t, core.IsCode(c.RegisterIngressHandler(ha, nil), core.ErrCodeAlreadyExists))

	pkt := core.NewCompletionPacket([]byte{1}, nil)
	require.NoError(t, c.DeliverIngress(pkt, 5))
	require.Eventually(t, func() bool { return core.IsCompleted(pkt) }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&a))
	assert.Equal(t, int32(1), atomic.LoadInt32(&b))

	require.NoError(t, c.UnregisterIngressHandler(hb, nil))
	assert.True(t, core.IsCode(c.UnregisterIngressHandler(hb, nil), core.ErrCodeNotFound))
}

// Egress entries queued behind a busy ingress callback are served before
// the ingress entries queued with them.
func TestEgressServedBeforeIngress(t *testing.T) {
	c := newStreamingController(t, nil)
	seq := &order{}

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	in := &ingressRecorder{fn: func(_ any, pkt core.Packet, _ Timestamp) {
		name := string(pkt.Data())
		if name == "rx1" {
			entered <- struct{}{}
			<-release
		}
		seq.add(name)
	}}
	eg := &egressRecorder{fn: func(_ any, _ EgressID, pkt core.Packet, _ Timestamp) {
		seq.add(string(pkt.Data()))
	}}
	require.NoError(t, c.RegisterIngressHandler(in, nil))
	id, err := c.RegisterEgressHandler(eg, nil)
	require.NoError(t, err)

	require.NoError(t, c.DeliverIngress(core.NewCompletionPacket([]byte("rx1"), nil), 0))
	<-entered
	require.NoError(t, c.DeliverIngress(core.NewCompletionPacket([]byte("rx2"), nil), 0))
	require.NoError(t, c.CompleteEgress(id, core.NewCompletionPacket([]byte("tx1"), nil), 0))
	require.NoError(t, c.CompleteEgress(id, core.NewCompletionPacket([]byte("tx2"), nil), 0))
	close(release)

	require.Eventually(t, func() bool { return len(seq.get()) == 4 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"rx1", "tx1", "tx2", "rx2"}, seq.get())
}

func TestEnqueueWhileStoppedCompletes(t *testing.T) {
	c := NewController("eth0", core.StreamingConfig{}, nil)
	require.NoError(t, c.Enable())

	pkt := core.NewCompletionPacket([]byte{1}, nil)
	err := c.DeliverIngress(pkt, 0)
	assert.True(t, core.IsCode(err, core.ErrCodeNotPermitted))
	assert.True(t, core.IsCompleted(pkt))

	pkt = core.NewCompletionPacket([]byte{2}, nil)
	err = c.CompleteEgress(1, pkt, 0)
	assert.True(t, core.IsCode(err, core.ErrCodeNotPermitted))
	assert.True(t, core.IsCompleted(pkt))

	err = c.CompleteEgress(1, nil, 0)
	assert.True(t, core.IsCode(err, core.ErrCodeBadArgument))
	assert.Equal(t, uint64(2), c.Worker().Metrics().Refused)
}

func TestShutdownDrainsQueuedCallbacks(t *testing.T) {
	c := newStreamingController(t, nil)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	in := &ingressRecorder{fn: func(_ any, pkt core.Packet, _ Timestamp) {
		if pkt.Data()[0] == 0 {
			entered <- struct{}{}
			<-release
		}
	}}
	require.NoError(t, c.RegisterIngressHandler(in, nil))

	first := core.NewCompletionPacket([]byte{0}, nil)
	require.NoError(t, c.DeliverIngress(first, 0))
	<-entered

	var queued []core.Packet
	for i := 1; i <= 5; i++ {
		p := core.NewCompletionPacket([]byte{byte(i)}, nil)
		require.NoError(t, c.DeliverIngress(p, 0))
		queued = append(queued, p)
	}

	done := make(chan struct{})
	go func() {
		_ = c.Disable()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done

	assert.True(t, core.IsCompleted(first))
	for _, p := range queued {
		assert.True(t, core.IsCompleted(p))
	}
	wm := c.Worker().Metrics()
	assert.Equal(t, uint64(6), wm.IngressDispatched+wm.Drained)
}

// Packets handed to the worker are completed exactly once regardless of
// how enqueues interleave with streaming transitions.
func TestCompletionExactlyOnceUnderChurn(t *testing.T) {
	c := NewController("eth0", core.StreamingConfig{PollInterval: time.Millisecond}, nil)
	require.NoError(t, c.Enable())
	require.NoError(t, c.StartTimeSync())

	eg := &egressRecorder{fn: func(any, EgressID, core.Packet, Timestamp) {}}
	id, err := c.RegisterEgressHandler(eg, nil)
	require.NoError(t, err)
	require.NoError(t, c.RegisterIngressHandler(&ingressRecorder{fn: func(any, core.Packet, Timestamp) {}}, nil))

	doubleBefore := core.DoubleCompletions()

	const producers = 4
	const perProducer = 500
	counts := make([]int32, producers*perProducer)

	stop := make(chan struct{})
	var toggler sync.WaitGroup
	toggler.Add(1)
	go func() {
		defer toggler.Done()
		rng := rand.New(rand.NewSource(7))
		for {
			select {
			case <-stop:
				return
			default:
			}
			if rng.Intn(2) == 0 {
				_ = c.StartStreaming()
			} else {
				_ = c.StopStreaming()
			}
			time.Sleep(time.Duration(rng.Intn(200)) * time.Microsecond)
		}
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(p)))
			for i := 0; i < perProducer; i++ {
				idx := p*perProducer + i
				pkt := core.NewCompletionPacket([]byte{byte(idx)}, func(core.Packet) {
					atomic.AddInt32(&counts[idx], 1)
				})
				if rng.Intn(2) == 0 {
					_ = c.CompleteEgress(id, pkt, Timestamp(idx))
				} else {
					_ = c.DeliverIngress(pkt, Timestamp(idx))
				}
			}
		}(p)
	}
	wg.Wait()
	close(stop)
	toggler.Wait()
	require.NoError(t, c.Disable())

	for i := range counts {
		if n := atomic.LoadInt32(&counts[i]); n != 1 {
			t.Fatalf("packet %d completed %d times", i, n)
		}
	}
	assert.Equal(t, doubleBefore, core.DoubleCompletions())
	txq, rxq := c.Worker().Pending()
	assert.Zero(t, txq)
	assert.Zero(t, rxq)
}

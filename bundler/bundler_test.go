package bundler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTransport struct {
	mu              sync.Mutex
	address         Dest
	loopbackThread  bool
	statsEnabled    bool
	overhead        int
	sent            []sentCall
	policy          *fakePolicy
	serializeErrOne error
}

type sentCall struct {
	dest Dest
	list []*Message
	src  Dest
}

type fakePolicy struct {
	mu  sync.Mutex
	reg []*Message
	oob []*Message
}

func (p *fakePolicy) Loopback(batch []*Message, oob bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if oob {
		p.oob = append(p.oob, batch...)
	} else {
		p.reg = append(p.reg, batch...)
	}
}

func (f *fakeTransport) Address() Dest                { return f.address }
func (f *fakeTransport) LoopbackSeparateThread() bool  { return f.loopbackThread }
func (f *fakeTransport) StatsEnabled() bool            { return f.statsEnabled }
func (f *fakeTransport) MessageOverhead() int          { return f.overhead }
func (f *fakeTransport) ProcessingPolicy() ProcessingPolicy {
	return f.policy
}
func (f *fakeTransport) SerializeOne(msg *Message) ([]byte, error) {
	if f.serializeErrOne != nil {
		return nil, f.serializeErrOne
	}
	return []byte("one"), nil
}
func (f *fakeTransport) SerializeList(dest, src Dest, msgs []*Message) ([]byte, error) {
	return []byte("list"), nil
}
func (f *fakeTransport) DoSend(buf []byte, dest Dest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCall{dest: dest, src: nil})
	return nil
}

func newTestBundler(t *testing.T, fn *fakeTransport) *Base {
	b := NewBase(zap.NewNop())
	b.Init(fn)
	return b
}

func TestBundlerCoalescing(t *testing.T) {
	// Scenario 5: two 30000-byte messages to the same destination under a
	// 64000 budget flush as a single batch send, in order, and reset count.
	ft := &fakeTransport{address: "self", overhead: 0, policy: &fakePolicy{}}
	b := newTestBundler(t, ft)

	dst := "D"
	m1 := &Message{Dest: dst, Src: "A"}
	m2 := &Message{Dest: dst, Src: "A"}
	b.Send(m1, 30000)
	b.Send(m2, 30000)
	require.Equal(t, int64(60000), b.Count())

	b.Flush()
	require.Equal(t, int64(0), b.Count())
	require.Len(t, ft.sent, 1)
	require.Equal(t, 0, b.Size())
}

func TestBundlerLoopbackFastPath(t *testing.T) {
	// Scenario 6: loopback to self with a mix of OOB/REG messages and one
	// DONT_LOOPBACK message dispatches one OOB batch and one REG batch,
	// excluding the DONT_LOOPBACK message from both.
	policy := &fakePolicy{}
	ft := &fakeTransport{address: "self", loopbackThread: true, policy: policy}
	b := newTestBundler(t, ft)

	reg := &Message{Dest: "self", Src: "A"}
	oob := &Message{Dest: "self", Src: "A", OOB: true}
	skip := &Message{Dest: "self", Src: "A", DontLoopback: true}
	b.Send(reg, 10)
	b.Send(oob, 10)
	b.Send(skip, 10)

	b.Flush()

	require.Len(t, policy.reg, 1)
	require.Len(t, policy.oob, 1)
	require.NotContains(t, policy.reg, skip)
	require.NotContains(t, policy.oob, skip)
}

func TestBundlerDontLoopbackNeverDispatched(t *testing.T) {
	policy := &fakePolicy{}
	ft := &fakeTransport{address: "self", loopbackThread: true, policy: policy}
	b := newTestBundler(t, ft)

	skip := &Message{Dest: "self", Src: "A", DontLoopback: true}
	b.Send(skip, 10)
	b.Flush()

	require.Empty(t, policy.reg)
	require.Empty(t, policy.oob)
}

func TestSizeBundlerFlushesAtBudget(t *testing.T) {
	ft := &fakeTransport{address: "self", policy: &fakePolicy{}}
	sb := NewSizeBundler(zap.NewNop())
	sb.Init(ft)
	sb.MaxSize = 100

	sb.Send(&Message{Dest: "D"}, 60)
	require.Equal(t, int64(60), sb.Count())
	sb.Send(&Message{Dest: "D"}, 60)
	// crossing the 100-byte budget triggers an immediate flush
	require.Equal(t, int64(0), sb.Count())
	require.Len(t, ft.sent, 1)
}

func TestSerializationFailureIsSwallowed(t *testing.T) {
	ft := &fakeTransport{address: "self", policy: &fakePolicy{}, serializeErrOne: errFake{}}
	b := newTestBundler(t, ft)
	b.Send(&Message{Dest: "D"}, 10)
	require.NotPanics(t, func() { b.Flush() })
	require.Empty(t, ft.sent)
}

type errFake struct{}

func (errFake) Error() string { return "boom" }

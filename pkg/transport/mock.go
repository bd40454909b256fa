package transport

import (
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MockNetworkConfig configures the simulated lossy medium MockTransport
// instances share, grounded on the stress_test-style harness in the
// pack and spec.md §8's scenario descriptions ("drops 50% at random",
// "10% symmetric packet loss").
type MockNetworkConfig struct {
	DropProbability      float64
	DuplicateProbability float64
	ReorderProbability   float64
	MaxReorderDelay      time.Duration

	// BandwidthBytesPerSecond, if > 0, throttles the medium via
	// golang.org/x/time/rate: datagrams that would exceed the budget
	// are dropped rather than queued, modeling a saturated link.
	BandwidthBytesPerSecond int
}

// MockNetwork is the shared medium connecting a set of named
// MockTransport endpoints, used for the scenarios in spec.md §8 and
// for unit tests that need two sides of a handshake without a real
// socket.
type MockNetwork struct {
	mu        sync.Mutex
	cfg       MockNetworkConfig
	endpoints map[string]*MockTransport
	limiter   *rate.Limiter

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewMockNetwork returns a MockNetwork with the given configuration.
func NewMockNetwork(cfg MockNetworkConfig) *MockNetwork {
	n := &MockNetwork{
		cfg:       cfg,
		endpoints: make(map[string]*MockTransport),
		rng:       rand.New(rand.NewSource(1)),
	}
	if cfg.BandwidthBytesPerSecond > 0 {
		n.limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthBytesPerSecond), cfg.BandwidthBytesPerSecond)
	}
	return n
}

// NewEndpoint registers and returns a MockTransport bound to addr.
func (n *MockNetwork) NewEndpoint(addr string) *MockTransport {
	t := &MockTransport{
		net:     n,
		addr:    addr,
		inbound: make(chan Datagram, 4096),
		closed:  make(chan struct{}),
	}
	n.mu.Lock()
	n.endpoints[addr] = t
	n.mu.Unlock()
	return t
}

func (n *MockNetwork) roll(p float64) bool {
	if p <= 0 {
		return false
	}
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.rng.Float64() < p
}

func (n *MockNetwork) randDuration(max time.Duration) time.Duration {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	if max <= 0 {
		return 0
	}
	return time.Duration(n.rng.Int63n(int64(max)))
}

func (n *MockNetwork) deliver(from, to string, data []byte) error {
	n.mu.Lock()
	dest, ok := n.endpoints[to]
	cfg := n.cfg
	limiter := n.limiter
	n.mu.Unlock()
	if !ok {
		return nil
	}
	if limiter != nil && !limiter.AllowN(time.Now(), len(data)) {
		return nil
	}
	if n.roll(cfg.DropProbability) {
		return nil
	}
	copies := 1
	if n.roll(cfg.DuplicateProbability) {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		cp := make([]byte, len(data))
		copy(cp, data)
		dg := Datagram{Addr: from, Data: cp}
		if cfg.ReorderProbability > 0 && n.roll(cfg.ReorderProbability) {
			delay := n.randDuration(cfg.MaxReorderDelay)
			go deliverDelayed(dest, dg, delay)
			continue
		}
		select {
		case dest.inbound <- dg:
		default:
			// inbound buffer saturated; drop, same as a congested real link.
		}
	}
	return nil
}

func deliverDelayed(dest *MockTransport, dg Datagram, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-dest.closed:
		return
	}
	select {
	case dest.inbound <- dg:
	case <-dest.closed:
	}
}

// MockTransport is one endpoint on a MockNetwork.
type MockTransport struct {
	net     *MockNetwork
	addr    string
	inbound chan Datagram

	closeOnce sync.Once
	closed    chan struct{}
}

func (t *MockTransport) Send(addr string, data []byte) error {
	select {
	case <-t.closed:
		return ErrSenderDisconnected
	default:
	}
	return t.net.deliver(t.addr, addr, data)
}

func (t *MockTransport) Inbound() <-chan Datagram { return t.inbound }
func (t *MockTransport) LocalAddr() string        { return t.addr }

func (t *MockTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}

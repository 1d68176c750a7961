package tunnel

import (
	"context"
	crand "crypto/rand"
	"math/rand/v2"
	"net"
	"time"
)

var paddingFallbackTargets = []string{"1.1.1.1:53", "8.8.8.8:53", "9.9.9.9:53"}

// shape is one traffic bucket: a burst of count packets of size bytes,
// gap apart, followed by a pause before the next burst.
type shape struct {
	name   string
	count  [2]int
	size   [2]int
	gap    [2]time.Duration
	pause  [2]time.Duration
	header []byte
}

var defaultShapes = [3]shape{
	{
		name:   "small",
		count:  [2]int{50, 100},
		size:   [2]int{64, 256},
		gap:    [2]time.Duration{1 * time.Millisecond, 5 * time.Millisecond},
		pause:  [2]time.Duration{20 * time.Millisecond, 60 * time.Millisecond},
		header: []byte{0x80, 0x08},
	},
	{
		name:   "medium",
		count:  [2]int{3, 50},
		size:   [2]int{64, 1450},
		gap:    [2]time.Duration{5 * time.Millisecond, 500 * time.Millisecond},
		pause:  [2]time.Duration{100 * time.Millisecond, 3 * time.Second},
		header: []byte{0x16, 0x03, 0x01},
	},
	{
		name:  "large",
		count: [2]int{100, 250},
		size:  [2]int{1200, 1420},
		gap:   [2]time.Duration{1 * time.Millisecond, 10 * time.Millisecond},
		pause: [2]time.Duration{5 * time.Second, 15 * time.Second},
	},
}

// padder emits cover traffic for one connected session.
type padder struct {
	target  string
	shapes  [3]shape
	weights [3]int
	rng     *rand.Rand
	alive   func() bool
	send    func(b []byte) error
}

func newPadder(entryEndpoint string, alive func() bool) *padder {
	var seed [32]byte
	_, _ = crand.Read(seed[:])
	p := &padder{rng: rand.New(rand.NewChaCha8(seed)), alive: alive, shapes: defaultShapes}
	for i := range p.weights {
		p.weights[i] = 1 + p.rng.IntN(100)
	}
	p.target = entryEndpoint
	if p.target == "" {
		p.target = paddingFallbackTargets[p.rng.IntN(len(paddingFallbackTargets))]
	}
	return p
}

func (p *padder) pick() shape {
	total := 0
	for _, w := range p.weights {
		total += w
	}
	n := p.rng.IntN(total)
	for i, w := range p.weights {
		if n < w {
			return p.shapes[i]
		}
		n -= w
	}
	return p.shapes[len(p.shapes)-1]
}

func (p *padder) between(r [2]int) int {
	if r[1] <= r[0] {
		return r[0]
	}
	return r[0] + p.rng.IntN(r[1]-r[0])
}

func (p *padder) duration(r [2]time.Duration) time.Duration {
	if r[1] <= r[0] {
		return r[0]
	}
	return r[0] + time.Duration(p.rng.Int64N(int64(r[1]-r[0])))
}

func (p *padder) packet(s shape) []byte {
	b := make([]byte, p.between(s.size))
	_, _ = crand.Read(b)
	if len(b) > 4 {
		copy(b, s.header)
	}
	return b
}

// run sends bursts until ctx ends or alive reports false. Both are checked
// before every packet, so it stops within one gap of the session ending.
func (p *padder) run(ctx context.Context) {
	if p.send == nil {
		conn, err := net.ListenUDP("udp", nil)
		if err != nil {
			log.Warningf("daita: open socket: %v", err)
			return
		}
		defer conn.Close()
		addr, err := net.ResolveUDPAddr("udp", p.target)
		if err != nil {
			log.Warningf("daita: resolve %s: %v", p.target, err)
			return
		}
		p.send = func(b []byte) error {
			_, err := conn.WriteToUDP(b, addr)
			return err
		}
	}
	log.Infof("daita active target=%s weights=%v", p.target, p.weights)
	defer log.Debugf("daita stopped")

	for {
		s := p.pick()
		count := p.between(s.count)
		log.Debugf("daita burst shape=%s packets=%d", s.name, count)
		for i := 0; i < count; i++ {
			if ctx.Err() != nil || !p.alive() {
				return
			}
			if err := p.send(p.packet(s)); err != nil {
				log.Debugf("daita send: %v", err)
			}
			if !sleepCtx(ctx, p.duration(s.gap)) {
				return
			}
		}
		if !sleepCtx(ctx, p.duration(s.pause)) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

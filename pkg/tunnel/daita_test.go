package tunnel

import (
	"bytes"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func shapeFor(size int, head []byte) (shape, bool) {
	for _, s := range defaultShapes {
		if size < s.size[0] || size > s.size[1] {
			continue
		}
		if len(s.header) == 0 || bytes.HasPrefix(head, s.header) {
			return s, true
		}
	}
	return shape{}, false
}

func TestPadderPacketsMatchBuckets(t *testing.T) {
	var sent atomic.Int32
	p := newPadder("192.0.2.10:51820", func() bool { return sent.Load() < 300 })
	require.Equal(t, "192.0.2.10:51820", p.target)
	for _, w := range p.weights {
		require.GreaterOrEqual(t, w, 1)
		require.LessOrEqual(t, w, 100)
	}
	p.send = func(b []byte) error {
		sent.Add(1)
		_, ok := shapeFor(len(b), b)
		if !ok {
			t.Errorf("packet of %d bytes fits no bucket", len(b))
		}
		return nil
	}
	for i := range p.shapes {
		p.shapes[i].gap = [2]time.Duration{0, time.Microsecond}
		p.shapes[i].pause = [2]time.Duration{0, time.Microsecond}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("padder did not stop once the session ended")
	}
	require.Equal(t, int32(300), sent.Load())
}

func TestPadderStopsOnCancel(t *testing.T) {
	p := newPadder("", func() bool { return true })
	require.Contains(t, paddingFallbackTargets, p.target)
	p.send = func([]byte) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.run(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("padder ignored cancellation")
	}
}

func TestPadderSendsUDP(t *testing.T) {
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sink.Close()

	var alive atomic.Bool
	alive.Store(true)
	p := newPadder(sink.LocalAddr().String(), alive.Load)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.run(ctx)

	buf := make([]byte, 2048)
	require.NoError(t, sink.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := sink.ReadFromUDP(buf)
	require.NoError(t, err)
	_, ok := shapeFor(n, buf[:n])
	require.True(t, ok)
	alive.Store(false)
}

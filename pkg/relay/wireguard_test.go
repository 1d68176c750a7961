package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLooksLikeWireGuardMessage(t *testing.T) {
	cases := []struct {
		name string
		pkt  []byte
		want bool
	}{
		{"initiation", wgPacket(1, 148), true},
		{"response", wgPacket(2, 92), true},
		{"cookie", wgPacket(3, 64), true},
		{"keepalive", wgPacket(4, 32), true},
		{"transport", wgPacket(4, 1456), true},
		{"short initiation", wgPacket(1, 64), false},
		{"unpadded transport", wgPacket(4, 40), false},
		{"unknown type", wgPacket(9, 148), false},
		{"reserved bytes set", append([]byte{1, 1, 0, 0}, make([]byte, 144)...), false},
		{"tiny", []byte{1, 0}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, LooksLikeWireGuardMessage(tc.pkt))
		})
	}
}

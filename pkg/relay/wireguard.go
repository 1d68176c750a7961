package relay

// WireGuard message types as they appear in the first header byte.
const (
	msgHandshakeInitiation byte = 1
	msgHandshakeResponse   byte = 2
	msgCookieReply         byte = 3
	msgTransportData       byte = 4
)

// Fixed on-wire sizes of the handshake messages. Transport data is at least
// its header plus the AEAD tag.
const (
	sizeHandshakeInitiation = 148
	sizeHandshakeResponse   = 92
	sizeCookieReply         = 64
	minTransportData        = 32
)

// LooksLikeWireGuardMessage reports whether packet carries a WireGuard
// header (known type, zero reserved bytes) with a length valid for that
// type. Relays use it to drop stray datagrams before and after unmasking.
func LooksLikeWireGuardMessage(packet []byte) bool {
	if len(packet) < 4 || packet[1] != 0 || packet[2] != 0 || packet[3] != 0 {
		return false
	}
	switch packet[0] {
	case msgHandshakeInitiation:
		return len(packet) == sizeHandshakeInitiation
	case msgHandshakeResponse:
		return len(packet) == sizeHandshakeResponse
	case msgCookieReply:
		return len(packet) == sizeCookieReply
	case msgTransportData:
		return len(packet) >= minTransportData && len(packet)%16 == 0
	}
	return false
}

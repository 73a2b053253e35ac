package plugin

// isSocks5Greeting reports whether buf looks like a SOCKS5 client greeting:
// version byte 0x05, a method count, and exactly that many method bytes
// drawn from the set of methods a real client would offer.
func isSocks5Greeting(buf []byte) bool {
	if len(buf) < 3 || buf[0] != 0x05 {
		return false
	}
	nmethods := int(buf[1])
	if len(buf) != nmethods+2 {
		return false
	}
	for _, m := range buf[2:] {
		switch m {
		case 0x00, 0x01, 0x02, 0x03, 0x80, 0xFF:
		default:
			return false
		}
	}
	return true
}

// isRDPConnectionRequest reports whether buf looks like an RDP X.224
// Connection Request wrapped in a TPKT header: TPKT version 3, a length
// field matching the buffer, a COTP length byte matching the buffer, a
// PDU code byte with its top three bits set (mask 0xE0), and a zero
// destination reference. The source reference is not checked.
func isRDPConnectionRequest(buf []byte) bool {
	if len(buf) < 11 {
		return false
	}
	if buf[0] != 0x03 {
		return false
	}
	tpktLen := int(buf[2])<<8 | int(buf[3])
	if tpktLen != len(buf) {
		return false
	}
	if int(buf[4])+5 != len(buf) {
		return false
	}
	if buf[5]&0xE0 != 0xE0 {
		return false
	}
	if buf[6] != 0x00 || buf[7] != 0x00 {
		return false
	}
	return true
}

// isTLSClientHelloPrefix reports whether buf opens with the record header
// a TLS ClientHello is sent in (content type 0x16, legacy record version
// 0x0301, as real clients send regardless of the negotiated version).
// Only those three bytes are checked; the handshake message type is not.
func isTLSClientHelloPrefix(buf []byte) bool {
	return len(buf) >= 3 && buf[0] == 0x16 && buf[1] == 0x03 && buf[2] == 0x01
}

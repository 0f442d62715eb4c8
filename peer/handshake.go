package peer

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"
)

// Handshake string consists of (in order):
//   - 1 byte for pstr length (length of protocol identifier - has to be 19)
//   - 19 bytes for pstr (protocol identifier - "BitTorrent protocol")
//   - 8 reserved bytes for extension support (none supported here)
//   - 20 bytes for infohash (SHA-1 of the raw info value)
//   - 20 bytes for peerID (random id to identify ourselves)
type handshake struct {
	Pstr     string
	InfoHash [20]byte
	PeerID   [20]byte
}

const (
	protocolString = "BitTorrent protocol"
	handshakeLen   = 68
)

// HandshakeError is a peer that spoke, but not the protocol and
// torrent we expected.
type HandshakeError struct {
	Reason string
}

func (e *HandshakeError) Error() string {
	return "handshake failed: " + e.Reason
}

func newHandshake(infoHash, peerID [20]byte) *handshake {
	return &handshake{
		Pstr:     protocolString,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

func (h *handshake) serialize() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(h.Pstr))
	curr := 1
	curr += copy(buf[curr:], h.Pstr)
	curr += copy(buf[curr:], make([]byte, 8))
	curr += copy(buf[curr:], h.InfoHash[:])
	curr += copy(buf[curr:], h.PeerID[:])
	return buf
}

func readHandshake(r io.Reader) (*handshake, error) {
	pstrLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, pstrLenBuf); err != nil {
		return nil, err
	}
	pstrLen := int(pstrLenBuf[0])
	if pstrLen != len(protocolString) {
		return nil, &HandshakeError{Reason: fmt.Sprintf("pstr length should be 19 (0x13) but is %d", pstrLen)}
	}

	handshakeBuf := make([]byte, handshakeLen-1)
	if _, err := io.ReadFull(r, handshakeBuf); err != nil {
		return nil, err
	}
	if pstr := string(handshakeBuf[0:pstrLen]); pstr != protocolString {
		return nil, &HandshakeError{Reason: fmt.Sprintf("unknown protocol %q", pstr)}
	}

	var infoHash, peerID [20]byte
	copy(infoHash[:], handshakeBuf[pstrLen+8:pstrLen+8+20])
	copy(peerID[:], handshakeBuf[pstrLen+8+20:])

	return &handshake{
		Pstr:     string(handshakeBuf[0:pstrLen]),
		InfoHash: infoHash,
		PeerID:   peerID,
	}, nil
}

// exchangeHandshake sends our handshake, reads the peer's, and checks
// that it is serving the same torrent. Returns the remote peer id.
func exchangeHandshake(conn net.Conn, infoHash, peerID [20]byte, timeout time.Duration) ([20]byte, error) {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	request := newHandshake(infoHash, peerID)
	if _, err := conn.Write(request.serialize()); err != nil {
		return [20]byte{}, err
	}

	result, err := readHandshake(conn)
	if err != nil {
		return [20]byte{}, err
	}
	if !bytes.Equal(result.InfoHash[:], infoHash[:]) {
		return [20]byte{}, &HandshakeError{
			Reason: fmt.Sprintf("expected infohash %x but got %x", infoHash, result.InfoHash),
		}
	}
	return result.PeerID, nil
}

package tracker

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"time"

	"remora/metainfo"
)

// BEP 15 constants.
const (
	protocolMagic = 0x41727101980

	actionConnect  = 0
	actionAnnounce = 1
	actionError    = 3

	connectLen  = 16
	announceLen = 98

	udpTimeout = 15 * time.Second
)

type connectRequest struct {
	TransactionID uint32
}

func (r *connectRequest) serialize() []byte {
	buf := make([]byte, connectLen)
	binary.BigEndian.PutUint64(buf[0:8], protocolMagic)
	binary.BigEndian.PutUint32(buf[8:12], actionConnect)
	binary.BigEndian.PutUint32(buf[12:16], r.TransactionID)
	return buf
}

type connectResponse struct {
	Action        uint32
	TransactionID uint32
	ConnectionID  uint64
}

func parseConnectResponse(buf []byte) (*connectResponse, error) {
	if len(buf) < connectLen {
		return nil, fmt.Errorf("connect response of %d bytes, want %d", len(buf), connectLen)
	}
	return &connectResponse{
		Action:        binary.BigEndian.Uint32(buf[0:4]),
		TransactionID: binary.BigEndian.Uint32(buf[4:8]),
		ConnectionID:  binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

type announceRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHash      [20]byte
	PeerID        [20]byte
	Downloaded    uint64
	Left          uint64
	Uploaded      uint64
	Event         uint32
	Key           uint32
	NumWant       int32
	Port          uint16
}

func (r *announceRequest) serialize() []byte {
	buf := make([]byte, announceLen)
	binary.BigEndian.PutUint64(buf[0:8], r.ConnectionID)
	binary.BigEndian.PutUint32(buf[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], r.TransactionID)
	copy(buf[16:36], r.InfoHash[:])
	copy(buf[36:56], r.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], r.Downloaded)
	binary.BigEndian.PutUint64(buf[64:72], r.Left)
	binary.BigEndian.PutUint64(buf[72:80], r.Uploaded)
	binary.BigEndian.PutUint32(buf[80:84], r.Event)
	binary.BigEndian.PutUint32(buf[84:88], 0) // IP: let the tracker use the sender address
	binary.BigEndian.PutUint32(buf[88:92], r.Key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(r.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], r.Port)
	return buf
}

type announceResponse struct {
	Action        uint32
	TransactionID uint32
	Interval      uint32
	Leechers      uint32
	Seeders       uint32
	Peers         []Peer
}

func parseAnnounceResponse(buf []byte) (*announceResponse, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("announce response of %d bytes, want at least 8", len(buf))
	}
	action := binary.BigEndian.Uint32(buf[0:4])
	if action == actionError {
		return nil, &RejectedError{Reason: string(buf[8:])}
	}
	if len(buf) < 20 {
		return nil, fmt.Errorf("announce response of %d bytes, want at least 20", len(buf))
	}
	peers, err := ParseCompact(buf[20:])
	if err != nil {
		return nil, err
	}
	return &announceResponse{
		Action:        action,
		TransactionID: binary.BigEndian.Uint32(buf[4:8]),
		Interval:      binary.BigEndian.Uint32(buf[8:12]),
		Leechers:      binary.BigEndian.Uint32(buf[12:16]),
		Seeders:       binary.BigEndian.Uint32(buf[16:20]),
		Peers:         peers,
	}, nil
}

// udpAnnounce runs the two-step BEP 15 exchange: obtain a connection id,
// then announce with it. The whole exchange shares one deadline and a
// single attempt is made.
func (c *Client) udpAnnounce(host string, meta *metainfo.Meta, event Event, progress Progress) ([]Peer, error) {
	raddr, err := net.ResolveUDPAddr("udp4", host)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(udpTimeout))

	connectReq := &connectRequest{TransactionID: rand.Uint32()}
	if _, err := conn.Write(connectReq.serialize()); err != nil {
		return nil, err
	}
	connectBuf := make([]byte, connectLen)
	n, err := conn.Read(connectBuf)
	if err != nil {
		return nil, err
	}
	connectRes, err := parseConnectResponse(connectBuf[:n])
	if err != nil {
		return nil, err
	}
	if connectRes.TransactionID != connectReq.TransactionID {
		return nil, fmt.Errorf("connect transaction id mismatch: sent %#x, got %#x", connectReq.TransactionID, connectRes.TransactionID)
	}
	if connectRes.Action != actionConnect {
		return nil, fmt.Errorf("expected connect action, got %d", connectRes.Action)
	}

	announceReq := &announceRequest{
		ConnectionID:  connectRes.ConnectionID,
		TransactionID: rand.Uint32(),
		InfoHash:      meta.InfoHash,
		PeerID:        c.PeerID,
		Downloaded:    uint64(progress.Downloaded),
		Left:          uint64(progress.Left),
		Uploaded:      uint64(progress.Uploaded),
		Event:         event.code(),
		Key:           rand.Uint32(),
		NumWant:       int32(c.NumWant),
		Port:          c.Port,
	}
	if _, err := conn.Write(announceReq.serialize()); err != nil {
		return nil, err
	}
	announceBuf := make([]byte, 2048)
	n, err = conn.Read(announceBuf)
	if err != nil {
		return nil, err
	}
	announceRes, err := parseAnnounceResponse(announceBuf[:n])
	if err != nil {
		return nil, err
	}
	if announceRes.TransactionID != announceReq.TransactionID {
		return nil, fmt.Errorf("announce transaction id mismatch: sent %#x, got %#x", announceReq.TransactionID, announceRes.TransactionID)
	}
	if announceRes.Action != actionAnnounce {
		return nil, fmt.Errorf("expected announce action, got %d", announceRes.Action)
	}
	return announceRes.Peers, nil
}

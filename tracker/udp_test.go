package tracker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestConnectRequestSerialize(t *testing.T) {
	req := &connectRequest{TransactionID: 0x11223344}
	want := []byte{
		0x00, 0x00, 0x04, 0x17, 0x27, 0x10, 0x19, 0x80, // magic
		0x00, 0x00, 0x00, 0x00, // action connect
		0x11, 0x22, 0x33, 0x44, // transaction id
	}
	if got := req.serialize(); !bytes.Equal(got, want) {
		t.Errorf("serialize() = % x, want % x", got, want)
	}
}

func TestParseConnectResponse(t *testing.T) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], actionConnect)
	binary.BigEndian.PutUint32(buf[4:8], 0xdeadbeef)
	binary.BigEndian.PutUint64(buf[8:16], 0x1122334455667788)
	res, err := parseConnectResponse(buf)
	if err != nil {
		t.Fatalf("parseConnectResponse failed: %v", err)
	}
	if res.Action != actionConnect || res.TransactionID != 0xdeadbeef || res.ConnectionID != 0x1122334455667788 {
		t.Errorf("parsed %+v", res)
	}
	if _, err := parseConnectResponse(buf[:15]); err == nil {
		t.Error("short connect response should fail")
	}
}

func TestAnnounceRequestSerialize(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], bytes.Repeat([]byte{0xaa}, 20))
	copy(peerID[:], "-RM0001-abcdefghijkl")
	req := &announceRequest{
		ConnectionID:  0x0102030405060708,
		TransactionID: 0x11223344,
		InfoHash:      infoHash,
		PeerID:        peerID,
		Downloaded:    100,
		Left:          200,
		Uploaded:      0,
		Event:         Started.code(),
		Key:           0x55667788,
		NumWant:       50,
		Port:          6881,
	}
	buf := req.serialize()
	if len(buf) != announceLen {
		t.Fatalf("announce request is %d bytes, want %d", len(buf), announceLen)
	}
	if binary.BigEndian.Uint64(buf[0:8]) != req.ConnectionID {
		t.Error("connection id misplaced")
	}
	if binary.BigEndian.Uint32(buf[8:12]) != actionAnnounce {
		t.Error("action misplaced")
	}
	if !bytes.Equal(buf[16:36], infoHash[:]) {
		t.Error("info hash misplaced")
	}
	if !bytes.Equal(buf[36:56], peerID[:]) {
		t.Error("peer id misplaced")
	}
	if binary.BigEndian.Uint64(buf[64:72]) != 200 {
		t.Error("left misplaced")
	}
	if binary.BigEndian.Uint32(buf[80:84]) != 2 {
		t.Errorf("started event code = %d, want 2", binary.BigEndian.Uint32(buf[80:84]))
	}
	if binary.BigEndian.Uint16(buf[96:98]) != 6881 {
		t.Error("port misplaced")
	}
}

func TestParseAnnounceResponse(t *testing.T) {
	buf := make([]byte, 26)
	binary.BigEndian.PutUint32(buf[0:4], actionAnnounce)
	binary.BigEndian.PutUint32(buf[4:8], 0x11223344)
	binary.BigEndian.PutUint32(buf[8:12], 1800)
	binary.BigEndian.PutUint32(buf[12:16], 3)
	binary.BigEndian.PutUint32(buf[16:20], 7)
	copy(buf[20:], []byte{127, 0, 0, 1, 0x1a, 0xe1})

	res, err := parseAnnounceResponse(buf)
	if err != nil {
		t.Fatalf("parseAnnounceResponse failed: %v", err)
	}
	if res.Interval != 1800 || res.Leechers != 3 || res.Seeders != 7 {
		t.Errorf("parsed %+v", res)
	}
	if len(res.Peers) != 1 || res.Peers[0].String() != "127.0.0.1:6881" {
		t.Errorf("peers = %v", res.Peers)
	}
}

func TestParseAnnounceResponseError(t *testing.T) {
	buf := make([]byte, 8, 8+13)
	binary.BigEndian.PutUint32(buf[0:4], actionError)
	binary.BigEndian.PutUint32(buf[4:8], 0x11223344)
	buf = append(buf, "torrent banned"[:13]...)

	_, err := parseAnnounceResponse(buf)
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("err = %v, want RejectedError", err)
	}
	if rejected.Reason != "torrent banne" {
		t.Errorf("reason = %q", rejected.Reason)
	}
}

func TestEventCodes(t *testing.T) {
	cases := map[Event]uint32{None: 0, Completed: 1, Started: 2, Stopped: 3}
	for event, want := range cases {
		if event.code() != want {
			t.Errorf("%v.code() = %d, want %d", event, event.code(), want)
		}
	}
}

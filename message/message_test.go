package message

import (
	"bytes"
	"testing"
)

func TestSerializeRequest(t *testing.T) {
	msg := NewRequest(4, 567, 4321)
	want := []byte{
		0x00, 0x00, 0x00, 0x0d, // length 13
		0x06,                   // request
		0x00, 0x00, 0x00, 0x04, // index
		0x00, 0x00, 0x02, 0x37, // begin
		0x00, 0x00, 0x10, 0xe1, // length
	}
	if got := msg.Serialize(); !bytes.Equal(got, want) {
		t.Errorf("Serialize() = %v, want %v", got, want)
	}
}

func TestSerializeKeepAlive(t *testing.T) {
	var msg *Message
	if got := msg.Serialize(); !bytes.Equal(got, []byte{0, 0, 0, 0}) {
		t.Errorf("nil Serialize() = %v, want four zero bytes", got)
	}
}

func TestReadMessage(t *testing.T) {
	input := []byte{0x00, 0x00, 0x00, 0x05, 0x04, 0x00, 0x00, 0x00, 0x09}
	msg, err := Read(bytes.NewReader(input))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if msg.ID != Have {
		t.Errorf("ID = %d, want %d", msg.ID, Have)
	}
	index, err := ParseHave(msg)
	if err != nil || index != 9 {
		t.Errorf("ParseHave = %d, %v, want 9", index, err)
	}
}

func TestReadKeepAlive(t *testing.T) {
	msg, err := Read(bytes.NewReader([]byte{0, 0, 0, 0}))
	if err != nil || msg != nil {
		t.Errorf("Read(keep-alive) = %v, %v, want nil, nil", msg, err)
	}
}

func TestReadShortInput(t *testing.T) {
	if _, err := Read(bytes.NewReader([]byte{0, 0, 0, 9, 7})); err == nil {
		t.Error("Read with truncated payload should fail")
	}
	if _, err := Read(bytes.NewReader([]byte{0, 0})); err == nil {
		t.Error("Read with truncated length prefix should fail")
	}
}

func TestParsePiece(t *testing.T) {
	payload := []byte{
		0x00, 0x00, 0x00, 0x02, // index 2
		0x00, 0x00, 0x40, 0x00, // begin 16384
		0xaa, 0xbb, 0xcc, // block
	}
	msg := &Message{ID: Piece, Payload: payload}
	index, begin, block, err := ParsePiece(msg)
	if err != nil {
		t.Fatalf("ParsePiece failed: %v", err)
	}
	if index != 2 || begin != 16384 || !bytes.Equal(block, []byte{0xaa, 0xbb, 0xcc}) {
		t.Errorf("ParsePiece = %d, %d, %v", index, begin, block)
	}
}

func TestParsePieceTooShort(t *testing.T) {
	msg := &Message{ID: Piece, Payload: []byte{0, 0, 0, 1}}
	if _, _, _, err := ParsePiece(msg); err == nil {
		t.Error("ParsePiece with short payload should fail")
	}
}

func TestParseWrongID(t *testing.T) {
	if _, err := ParseHave(&Message{ID: Choke}); err == nil {
		t.Error("ParseHave on choke should fail")
	}
	if _, _, _, err := ParsePiece(&Message{ID: Have, Payload: make([]byte, 12)}); err == nil {
		t.Error("ParsePiece on have should fail")
	}
}

func TestString(t *testing.T) {
	var keepAlive *Message
	if keepAlive.String() != "KeepAlive" {
		t.Errorf("nil String() = %q", keepAlive.String())
	}
	msg := &Message{ID: Bitfield, Payload: []byte{0xff}}
	if msg.String() != "Bitfield [1]" {
		t.Errorf("String() = %q", msg.String())
	}
}

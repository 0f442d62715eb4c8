package remora

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"remora/bitfield"
	"remora/message"
	"remora/peer"
	"remora/store"
	"remora/tracker"
)

func testConfig() Config {
	cfg := DefaultConfig
	cfg.ShowDownloadProgress = false
	cfg.TickInterval = 50 * time.Millisecond
	cfg.DialTimeout = 2 * time.Second
	cfg.PieceDeadline = 5 * time.Second
	return cfg
}

// buildInfo produces the bencoded info dictionary for a single file
// named blob.bin with the given content and piece length.
func buildInfo(content []byte, pieceLen int) string {
	var pieces bytes.Buffer
	for off := 0; off < len(content); off += pieceLen {
		end := off + pieceLen
		if end > len(content) {
			end = len(content)
		}
		digest := sha1.Sum(content[off:end])
		pieces.Write(digest[:])
	}
	return fmt.Sprintf("d6:lengthi%de4:name8:blob.bin12:piece lengthi%de6:pieces%d:%se",
		len(content), pieceLen, pieces.Len(), pieces.String())
}

func writeTorrentFile(t *testing.T, announce, info string) string {
	t.Helper()
	data := fmt.Sprintf("d8:announce%d:%s4:info%se", len(announce), announce, info)
	path := filepath.Join(t.TempDir(), "blob.torrent")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("writing torrent file: %v", err)
	}
	return path
}

func replyHandshake(conn net.Conn, infoHash [20]byte) error {
	buf := make([]byte, 68)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	reply := make([]byte, 68)
	reply[0] = 19
	copy(reply[1:20], "BitTorrent protocol")
	copy(reply[28:48], infoHash[:])
	copy(reply[48:68], "-SD0001-000000000000")
	_, err := conn.Write(reply)
	return err
}

// startSeeder runs a remote peer that owns every piece and serves any
// block requested from content.
func startSeeder(t *testing.T, content []byte, pieceLen int, infoHash [20]byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	pieceCount := (len(content) + pieceLen - 1) / pieceLen
	full := bitfield.New(pieceCount)
	for i := 0; i < pieceCount; i++ {
		full.SetPiece(i)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				if err := replyHandshake(conn, infoHash); err != nil {
					return
				}
				conn.Write((&message.Message{ID: message.Bitfield, Payload: full}).Serialize())
				conn.Write((&message.Message{ID: message.Unchoke}).Serialize())
				for {
					msg, err := message.Read(conn)
					if err != nil {
						return
					}
					if msg == nil || msg.ID != message.Request {
						continue
					}
					index := binary.BigEndian.Uint32(msg.Payload[0:4])
					begin := binary.BigEndian.Uint32(msg.Payload[4:8])
					length := binary.BigEndian.Uint32(msg.Payload[8:12])
					start := int(index)*pieceLen + int(begin)
					payload := make([]byte, 8+length)
					binary.BigEndian.PutUint32(payload[0:4], index)
					binary.BigEndian.PutUint32(payload[4:8], begin)
					copy(payload[8:], content[start:start+int(length)])
					conn.Write((&message.Message{ID: message.Piece, Payload: payload}).Serialize())
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// startIdleSeeder handshakes and advertises the given bitfield but
// never serves a block.
func startIdleSeeder(t *testing.T, infoHash [20]byte, bf bitfield.Bitfield) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				if err := replyHandshake(conn, infoHash); err != nil {
					return
				}
				conn.Write((&message.Message{ID: message.Bitfield, Payload: bf}).Serialize())
				conn.Write((&message.Message{ID: message.Unchoke}).Serialize())
				io.Copy(io.Discard, conn)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

type announceLog struct {
	mu     sync.Mutex
	events []string
}

func (l *announceLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *announceLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// startTestTracker serves compact announce responses pointing at the
// one seeder and records the announced lifecycle events.
func startTestTracker(t *testing.T, seederAddr string) (string, *announceLog) {
	t.Helper()
	logged := &announceLog{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logged.add(r.URL.Query().Get("event"))
		host, portStr, _ := net.SplitHostPort(seederAddr)
		port, _ := strconv.Atoi(portStr)
		peers := string(append(append([]byte{}, net.ParseIP(host).To4()...), byte(port>>8), byte(port)))
		fmt.Fprintf(w, "d8:intervali1800e5:peers%d:%se", len(peers), peers)
	}))
	t.Cleanup(server.Close)
	return server.URL, logged
}

func TestDownloadEndToEnd(t *testing.T) {
	content := make([]byte, 160)
	for i := range content {
		content[i] = byte(i * 7)
	}
	pieceLen := 64
	info := buildInfo(content, pieceLen)
	infoHash := sha1.Sum([]byte(info))

	seederAddr := startSeeder(t, content, pieceLen, infoHash)
	announceURL, logged := startTestTracker(t, seederAddr)
	torrentPath := writeTorrentFile(t, announceURL, info)
	outDir := t.TempDir()

	tor, err := NewWithConfig(torrentPath, outDir, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}
	if err := tor.Download(); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(outDir, "blob.bin"))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("downloaded file differs from seeder content")
	}

	events := logged.all()
	if len(events) < 2 {
		t.Fatalf("tracker saw %d announces, want at least 2", len(events))
	}
	if events[0] != "started" {
		t.Errorf("first announce event = %q, want started", events[0])
	}
	if last := events[len(events)-1]; last != "completed" {
		t.Errorf("last announce event = %q, want completed", last)
	}
}

// manualTorrent builds a Torrent with its store but without running
// Download, so tests can feed events through handleEvent directly.
func manualTorrent(t *testing.T, info string) *Torrent {
	t.Helper()
	cfg := testConfig()
	cfg.UseTrackers = false
	cfg.UseDHT = true
	torrentPath := writeTorrentFile(t, "http://unused.example/announce", info)
	tor, err := NewWithConfig(torrentPath, t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}
	st, err := store.New(tor.meta, t.TempDir())
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	tor.store = st
	t.Cleanup(func() { st.Finalize() })
	return tor
}

// pump feeds session events into the coordinator until one of the
// given kind has been handled.
func pump(t *testing.T, tor *Torrent, until peer.EventKind) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-tor.events:
			if err := tor.handleEvent(ev); err != nil {
				t.Fatalf("handleEvent failed: %v", err)
			}
			if ev.Kind == until {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", until)
		}
	}
}

func TestPeerLossReleasesAssignments(t *testing.T) {
	content := make([]byte, 96)
	info := buildInfo(content, 32)
	tor := manualTorrent(t, info)

	full := bitfield.New(3)
	for i := 0; i < 3; i++ {
		full.SetPiece(i)
	}
	addr := startIdleSeeder(t, tor.meta.InfoHash, full)

	s, err := peer.Dial(addr, tor.meta.InfoHash, tracker.NewPeerID(), 2*time.Second, tor.events)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	pump(t, tor, peer.Unchoke)

	if len(tor.inProgress) == 0 {
		t.Fatal("no pieces assigned after unchoke")
	}

	s.Close()
	pump(t, tor, peer.Disconnected)

	if len(tor.inProgress) != 0 {
		t.Errorf("%d assignments survived the disconnect", len(tor.inProgress))
	}
	if index, _, ok := tor.store.NextSequential(); !ok || index != 0 {
		t.Errorf("pieces not released: NextSequential = %d, %v", index, ok)
	}
	if len(tor.active) != 0 {
		t.Error("session still counted as active")
	}
}

func TestTickSweepsExpiredAssignments(t *testing.T) {
	content := make([]byte, 96)
	info := buildInfo(content, 32)
	tor := manualTorrent(t, info)

	full := bitfield.New(3)
	for i := 0; i < 3; i++ {
		full.SetPiece(i)
	}
	addr := startIdleSeeder(t, tor.meta.InfoHash, full)

	if _, err := peer.Dial(addr, tor.meta.InfoHash, tracker.NewPeerID(), 2*time.Second, tor.events); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	pump(t, tor, peer.Unchoke)
	if len(tor.inProgress) != 3 {
		t.Fatalf("%d assignments, want 3", len(tor.inProgress))
	}

	for index, a := range tor.inProgress {
		a.deadline = time.Now().Add(-time.Second)
		tor.inProgress[index] = a
	}
	if err := tor.tick(); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if len(tor.inProgress) != 0 {
		t.Errorf("%d assignments survived the sweep", len(tor.inProgress))
	}
	if index, _, ok := tor.store.NextSequential(); !ok || index != 0 {
		t.Errorf("expired pieces not reassignable: %d, %v", index, ok)
	}
}

func TestAssignToRespectsBitfield(t *testing.T) {
	content := make([]byte, 96)
	info := buildInfo(content, 32)
	tor := manualTorrent(t, info)

	// peer advertises nothing, so nothing may be assigned to it
	addr := startIdleSeeder(t, tor.meta.InfoHash, bitfield.New(3))
	if _, err := peer.Dial(addr, tor.meta.InfoHash, tracker.NewPeerID(), 2*time.Second, tor.events); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	pump(t, tor, peer.Unchoke)

	if len(tor.inProgress) != 0 {
		t.Errorf("%d pieces assigned to a peer with an empty bitfield", len(tor.inProgress))
	}
	if index, _, ok := tor.store.NextSequential(); !ok || index != 0 {
		t.Errorf("pieces not left idle: %d, %v", index, ok)
	}
}

func TestReplenishGivesUp(t *testing.T) {
	content := make([]byte, 96)
	info := buildInfo(content, 32)
	tor := manualTorrent(t, info)

	var err error
	for i := 0; i < maxEmptyBatches; i++ {
		err = tor.replenish()
	}
	if err == nil {
		t.Error("replenish should fail after repeated empty batches")
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := testConfig()
	cfg.UseTrackers = false
	cfg.UseDHT = false
	info := buildInfo(make([]byte, 32), 32)
	torrentPath := writeTorrentFile(t, "http://unused.example/announce", info)
	if _, err := NewWithConfig(torrentPath, t.TempDir(), cfg); err == nil {
		t.Error("config without any discovery source should be rejected")
	}
}

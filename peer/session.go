package peer

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"remora/bitfield"
	"remora/message"
)

// BlockLen is the block size requested from peers. Larger requests are
// rejected by most clients.
const BlockLen = 16384

const keepAliveInterval = 120 * time.Second

// EventKind tells the coordinator what happened on a session.
type EventKind int

const (
	Ready EventKind = iota
	Choke
	Unchoke
	Have
	BitfieldReceived
	Piece
	Error
	Disconnected
)

// Event is delivered on the coordinator's mailbox. Fields beyond
// Session and Kind are set only where the kind needs them.
type Event struct {
	Session  *Session
	Kind     EventKind
	Index    int
	Begin    int
	Block    []byte
	Bitfield bitfield.Bitfield
	Err      error
}

// Session is one wire-protocol connection to a remote peer. The reader
// goroutine turns incoming messages into events; the coordinator sends
// through RequestPiece and Close.
type Session struct {
	Addr     string
	RemoteID [20]byte

	conn   net.Conn
	events chan<- Event
	done   chan struct{}

	mu         sync.Mutex
	choked     bool
	interested bool
	lastSend   time.Time

	downloaded int64

	closeOnce sync.Once
}

// Dial connects, handshakes and declares interest, then starts the
// reader and keep-alive goroutines. The Ready event is emitted before
// any message event from the same session.
func Dial(addr string, infoHash, peerID [20]byte, timeout time.Duration, events chan<- Event) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}

	remoteID, err := exchangeHandshake(conn, infoHash, peerID, timeout)
	if err != nil {
		conn.Close()
		return nil, err
	}

	s := &Session{
		Addr:     addr,
		RemoteID: remoteID,
		conn:     conn,
		events:   events,
		done:     make(chan struct{}),
		choked:   true,
		lastSend: time.Now(),
	}
	if err := s.send(message.NewInterested()); err != nil {
		conn.Close()
		return nil, err
	}
	s.mu.Lock()
	s.interested = true
	s.mu.Unlock()

	events <- Event{Session: s, Kind: Ready}
	go s.readLoop()
	go s.keepAliveLoop()
	return s, nil
}

// Choked reports whether the remote currently chokes us.
func (s *Session) Choked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.choked
}

// Downloaded returns the total block bytes received on this session.
func (s *Session) Downloaded() int64 {
	return atomic.LoadInt64(&s.downloaded)
}

// RequestPiece pipelines requests for every block of the piece. The
// last block may be shorter than BlockLen.
func (s *Session) RequestPiece(index, size int) error {
	s.mu.Lock()
	choked, interested := s.choked, s.interested
	s.mu.Unlock()
	if choked {
		return fmt.Errorf("peer %s has us choked", s.Addr)
	}
	if !interested {
		return fmt.Errorf("not interested in peer %s", s.Addr)
	}

	for begin := 0; begin < size; begin += BlockLen {
		length := BlockLen
		if size-begin < length {
			length = size - begin
		}
		if err := s.send(message.NewRequest(index, begin, length)); err != nil {
			return err
		}
	}
	return nil
}

// SendHave tells the peer we acquired a piece.
func (s *Session) SendHave(index int) error {
	return s.send(message.NewHave(index))
}

// Close tears the session down and emits Disconnected exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		s.events <- Event{Session: s, Kind: Disconnected}
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) send(msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Write(msg.Serialize())
	if err == nil {
		s.lastSend = time.Now()
	}
	return err
}

func (s *Session) readLoop() {
	for {
		msg, err := message.Read(s.conn)
		if err != nil {
			if !s.closed() {
				s.events <- Event{Session: s, Kind: Error, Err: err}
			}
			s.Close()
			return
		}
		if msg == nil { // keep-alive
			continue
		}
		switch msg.ID {
		case message.Choke:
			s.mu.Lock()
			s.choked = true
			s.mu.Unlock()
			s.events <- Event{Session: s, Kind: Choke}
		case message.Unchoke:
			s.mu.Lock()
			s.choked = false
			s.mu.Unlock()
			s.events <- Event{Session: s, Kind: Unchoke}
		case message.Have:
			index, err := message.ParseHave(msg)
			if err != nil {
				log.Printf("peer %s: %v", s.Addr, err)
				continue
			}
			s.events <- Event{Session: s, Kind: Have, Index: index}
		case message.Bitfield:
			s.events <- Event{Session: s, Kind: BitfieldReceived, Bitfield: bitfield.Bitfield(msg.Payload)}
		case message.Piece:
			index, begin, block, err := message.ParsePiece(msg)
			if err != nil {
				log.Printf("peer %s: %v", s.Addr, err)
				continue
			}
			atomic.AddInt64(&s.downloaded, int64(len(block)))
			s.events <- Event{Session: s, Kind: Piece, Index: index, Begin: begin, Block: block}
		case message.Interested, message.NotInterested, message.Request, message.Cancel, message.Port:
			// leeching only; nothing to serve
		default:
			log.Printf("peer %s: unknown message %v", s.Addr, msg)
		}
	}
}

func (s *Session) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastSend)
			s.mu.Unlock()
			if idle >= keepAliveInterval {
				if err := s.send(nil); err != nil {
					return
				}
			}
		}
	}
}

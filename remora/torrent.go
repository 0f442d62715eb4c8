package remora

import (
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gosuri/uiprogress"

	"remora/metainfo"
	"remora/peer"
	"remora/store"
	"remora/tracker"
)

const (
	maxAssignmentsPerPeer = 3
	maxEmptyBatches       = 5
	eventBuffer           = 512
)

type assignment struct {
	session  *peer.Session
	deadline time.Time
}

// Torrent drives one download: it discovers peers, supervises their
// sessions, assigns pieces and feeds delivered blocks to the store.
// All scheduling decisions run on the Download goroutine; sessions
// only talk to it through the event mailbox.
type Torrent struct {
	meta      *metainfo.Meta
	outputDir string
	config    Config
	client    *tracker.Client
	store     *store.Store

	events     chan peer.Event
	dialFailed chan string
	discovered chan string

	active     map[*peer.Session]bool
	bitfields  map[*peer.Session][]bool
	inProgress map[int]assignment
	failed     map[string]bool
	dialing    map[string]bool

	downloadedBytes int64
	emptyBatches    int

	bar         *uiprogress.Bar
	piecesDone  int32
	activePeers int32
}

func New(torrentPath, outputDir string) (*Torrent, error) {
	return NewWithConfig(torrentPath, outputDir, DefaultConfig)
}

func NewWithConfig(torrentPath, outputDir string, config Config) (*Torrent, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	meta, err := metainfo.Load(torrentPath)
	if err != nil {
		return nil, err
	}
	return &Torrent{
		meta:       meta,
		outputDir:  outputDir,
		config:     config,
		client:     tracker.NewClient(tracker.NewPeerID(), config.ListenPort),
		events:     make(chan peer.Event, eventBuffer),
		dialFailed: make(chan string, eventBuffer),
		discovered: make(chan string, eventBuffer),
		active:     make(map[*peer.Session]bool),
		bitfields:  make(map[*peer.Session][]bool),
		inProgress: make(map[int]assignment),
		failed:     make(map[string]bool),
		dialing:    make(map[string]bool),
	}, nil
}

// Download runs until the whole file is on disk and verified, or the
// peer supply dries up, or the disk fails.
func (t *Torrent) Download() error {
	st, err := store.New(t.meta, t.outputDir)
	if err != nil {
		return err
	}
	t.store = st

	if t.config.UseDHT {
		if err := t.startDHT(); err != nil {
			log.Printf("dht: %v", err)
		}
	}
	if t.config.ShowDownloadProgress {
		t.bar = t.downloadProgress()
	}

	var initial []string
	if t.config.UseTrackers {
		initial = t.trackerPeers(tracker.Started)
	}
	initial = append(initial, t.drainDiscovered()...)
	t.dialBatch(initial, t.config.MaxInitialDial)

	ticker := time.NewTicker(t.config.TickInterval)
	defer ticker.Stop()

	for !t.store.IsComplete() {
		select {
		case ev := <-t.events:
			err = t.handleEvent(ev)
		case addr := <-t.dialFailed:
			delete(t.dialing, addr)
			t.failed[addr] = true
		case <-ticker.C:
			err = t.tick()
		}
		if err != nil {
			t.finishBar()
			t.shutdown(false)
			return err
		}
	}

	t.finishBar()
	if err := t.store.VerifyFile(); err != nil {
		t.shutdown(false)
		return err
	}
	if err := t.store.Finalize(); err != nil {
		t.shutdown(false)
		return err
	}
	t.shutdown(true)
	return nil
}

func (t *Torrent) finishBar() {
	if t.bar != nil {
		uiprogress.Stop()
		t.bar = nil
	}
}

// tick is the 2-second scheduling pass: hand out pieces, expire stale
// assignments, and top up the peer pool.
func (t *Torrent) tick() error {
	assignments := 0
	for _, s := range t.bySpeed() {
		if s.Choked() {
			continue
		}
		assignments += t.assignTo(s, maxAssignmentsPerPeer-t.outstanding(s))
	}

	now := time.Now()
	for index, a := range t.inProgress {
		if now.After(a.deadline) {
			t.store.Reset(index)
			delete(t.inProgress, index)
		}
	}

	if len(t.active) < t.config.MinPeers || assignments == 0 {
		return t.replenish()
	}
	return nil
}

// bySpeed orders the active sessions by bytes delivered, fastest
// first, so the healthiest peers get pieces before the stragglers.
func (t *Torrent) bySpeed() []*peer.Session {
	sessions := make([]*peer.Session, 0, len(t.active))
	for s := range t.active {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Downloaded() > sessions[j].Downloaded()
	})
	return sessions
}

func (t *Torrent) outstanding(s *peer.Session) int {
	count := 0
	for _, a := range t.inProgress {
		if a.session == s {
			count++
		}
	}
	return count
}

func (t *Torrent) advertises(s *peer.Session, index int) bool {
	bf := t.bitfields[s]
	return index < len(bf) && bf[index]
}

// assignTo hands the session up to limit pieces. The rarest pick is
// used only when this session advertises it; otherwise it is released
// and the lowest idle piece is tried instead. A session that cannot
// serve the lowest idle piece either gets nothing this round.
func (t *Torrent) assignTo(s *peer.Session, limit int) int {
	assigned := 0
	for assigned < limit {
		index, size, ok := t.store.Rarest(t.boolFields())
		if ok && !t.advertises(s, index) {
			t.store.Reset(index)
			index, size, ok = t.store.NextSequential()
		}
		if !ok {
			break
		}
		if !t.advertises(s, index) {
			t.store.Reset(index)
			break
		}
		if err := s.RequestPiece(index, size); err != nil {
			t.store.Reset(index)
			break
		}
		t.inProgress[index] = assignment{session: s, deadline: time.Now().Add(t.config.PieceDeadline)}
		assigned++
	}
	return assigned
}

func (t *Torrent) boolFields() map[string][]bool {
	fields := make(map[string][]bool, len(t.bitfields))
	for s, bf := range t.bitfields {
		fields[s.Addr] = bf
	}
	return fields
}

func (t *Torrent) handleEvent(ev peer.Event) error {
	s := ev.Session
	switch ev.Kind {
	case peer.Ready:
		delete(t.dialing, s.Addr)
		t.active[s] = true
		atomic.StoreInt32(&t.activePeers, int32(len(t.active)))
	case peer.BitfieldReceived:
		t.bitfields[s] = ev.Bitfield.ToArray(t.meta.PieceCount())
	case peer.Have:
		bf := t.bitfields[s]
		if bf == nil {
			bf = make([]bool, t.meta.PieceCount())
			t.bitfields[s] = bf
		}
		if ev.Index < len(bf) {
			bf[ev.Index] = true
		}
	case peer.Unchoke:
		t.assignTo(s, maxAssignmentsPerPeer-t.outstanding(s))
	case peer.Choke:
		// assignments keep their deadlines; the sweep reclaims them
	case peer.Piece:
		return t.handleBlock(s, ev)
	case peer.Error:
		log.Printf("peer %s: %v", s.Addr, ev.Err)
	case peer.Disconnected:
		t.dropPeer(s)
	}
	return nil
}

func (t *Torrent) handleBlock(s *peer.Session, ev peer.Event) error {
	completion, data, err := t.store.AddBlock(ev.Index, ev.Begin, ev.Block)
	if err != nil {
		log.Printf("peer %s: %v", s.Addr, err)
		return nil
	}
	switch completion {
	case store.Completed:
		if err := t.store.Persist(ev.Index, data); err != nil {
			return fmt.Errorf("persisting piece %d: %w", ev.Index, err)
		}
		delete(t.inProgress, ev.Index)
		t.downloadedBytes += int64(len(data))
		atomic.AddInt32(&t.piecesDone, 1)
		if t.bar != nil {
			t.bar.Incr()
		}
		s.SendHave(ev.Index)
		t.assignTo(s, maxAssignmentsPerPeer-t.outstanding(s))
	case store.Failed:
		// the store already put the piece back; forget the assignment
		delete(t.inProgress, ev.Index)
	}
	return nil
}

// dropPeer releases every piece the session was downloading so the
// next tick can reassign them.
func (t *Torrent) dropPeer(s *peer.Session) {
	delete(t.active, s)
	delete(t.bitfields, s)
	atomic.StoreInt32(&t.activePeers, int32(len(t.active)))
	for index, a := range t.inProgress {
		if a.session == s {
			t.store.Reset(index)
			delete(t.inProgress, index)
		}
	}
}

// replenish asks the discovery sources for fresh addresses and dials
// them. The download is abandoned when the pool is empty and five
// batches in a row produced nothing new.
func (t *Torrent) replenish() error {
	var batch []string
	if t.config.UseTrackers {
		batch = t.trackerPeers(tracker.None)
	}
	batch = append(batch, t.drainDiscovered()...)

	if dialed := t.dialBatch(batch, t.config.MaxBatchDial); dialed == 0 {
		t.emptyBatches++
		if t.emptyBatches >= maxEmptyBatches && len(t.active) == 0 {
			return fmt.Errorf("no peers available after %d discovery attempts", t.emptyBatches)
		}
	} else {
		t.emptyBatches = 0
	}
	return nil
}

// dialBatch starts connection attempts for up to limit new addresses.
// Failed and already-known addresses are skipped.
func (t *Torrent) dialBatch(addrs []string, limit int) int {
	dialed := 0
	for _, addr := range addrs {
		if dialed >= limit {
			break
		}
		if t.failed[addr] || t.dialing[addr] || t.knownAddr(addr) {
			continue
		}
		t.dialing[addr] = true
		dialed++
		go func(addr string) {
			if _, err := peer.Dial(addr, t.meta.InfoHash, t.client.PeerID, t.config.DialTimeout, t.events); err != nil {
				t.dialFailed <- addr
			}
		}(addr)
	}
	return dialed
}

func (t *Torrent) knownAddr(addr string) bool {
	for s := range t.active {
		if s.Addr == addr {
			return true
		}
	}
	return false
}

func (t *Torrent) progress() tracker.Progress {
	return tracker.Progress{
		Downloaded: t.downloadedBytes,
		Left:       int64(t.meta.TotalLength) - t.downloadedBytes,
	}
}

// shutdown closes every session and tells the trackers we are done.
// The final announce is best-effort.
func (t *Torrent) shutdown(success bool) {
	drained := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.events:
			case <-drained:
				return
			}
		}
	}()
	for s := range t.active {
		s.Close()
	}
	close(drained)
	t.active = make(map[*peer.Session]bool)
	atomic.StoreInt32(&t.activePeers, 0)

	if t.config.UseTrackers {
		event := tracker.Stopped
		if success {
			event = tracker.Completed
		}
		if _, err := t.client.Announce(t.meta, event, t.progress()); err != nil {
			log.Printf("final announce: %v", err)
		}
	}
}

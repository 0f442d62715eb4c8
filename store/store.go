package store

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"remora/metainfo"
)

// Completion is the outcome of delivering one block to AddBlock.
type Completion int

const (
	// Pending means the piece still misses blocks.
	Pending Completion = iota
	// Completed means the piece assembled and its digest matched.
	Completed
	// Failed means the assembled piece did not match its digest and
	// was returned to the idle state.
	Failed
	// AlreadyCompleted means the block arrived for a finished piece.
	AlreadyCompleted
)

const blockLen = 16 * 1024

type pieceState struct {
	size        int
	hash        [20]byte
	blocks      map[int][]byte
	received    int
	totalBlocks int
	requested   bool
	completed   bool
}

// Store owns every piece buffer and the output file. All operations
// hold the one store mutex, so the coordinator and the event path can
// call in from wherever.
type Store struct {
	mu     sync.Mutex
	meta   *metainfo.Meta
	file   *os.File
	pieces []pieceState
	done   int
}

// Stats is a point-in-time snapshot of piece progress.
type Stats struct {
	Done     int
	Total    int
	InFlight int
}

// New creates outputDir if missing, opens <dir>/<name> truncated and
// pre-sized to the torrent length, and prepares one state per piece.
func New(meta *metainfo.Meta, outputDir string) (*Store, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(outputDir, meta.Name)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if err := file.Truncate(int64(meta.TotalLength)); err != nil {
		file.Close()
		return nil, err
	}

	pieces := make([]pieceState, meta.PieceCount())
	for i := range pieces {
		size := meta.PieceSize(i)
		pieces[i] = pieceState{
			size:        size,
			hash:        meta.PieceHashes[i],
			blocks:      make(map[int][]byte),
			totalBlocks: (size + blockLen - 1) / blockLen,
		}
	}
	return &Store{meta: meta, file: file, pieces: pieces}, nil
}

// NextSequential returns the lowest-indexed idle piece and marks it
// requested. The second return is the piece size.
func (s *Store) NextSequential() (int, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSequentialLocked()
}

func (s *Store) nextSequentialLocked() (int, int, bool) {
	for i := range s.pieces {
		p := &s.pieces[i]
		if !p.completed && !p.requested {
			p.requested = true
			return i, p.size, true
		}
	}
	return 0, 0, false
}

// Rarest picks the idle piece advertised by the fewest peers (ties
// broken by lowest index) and marks it requested. Pieces no peer
// advertises are skipped; when nothing qualifies it falls back to
// NextSequential.
func (s *Store) Rarest(bitfields map[string][]bool) (int, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	best, bestCount := -1, 0
	for i := range s.pieces {
		p := &s.pieces[i]
		if p.completed || p.requested {
			continue
		}
		count := 0
		for _, haves := range bitfields {
			if i < len(haves) && haves[i] {
				count++
			}
		}
		if count == 0 {
			continue
		}
		if best == -1 || count < bestCount {
			best, bestCount = i, count
		}
	}
	if best == -1 {
		return s.nextSequentialLocked()
	}
	s.pieces[best].requested = true
	return best, s.pieces[best].size, true
}

// AddBlock inserts a block into its piece. When the last block lands
// the piece is assembled and verified; the assembled bytes are
// returned alongside Completed so the caller can persist them.
func (s *Store) AddBlock(index, offset int, block []byte) (Completion, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.pieces) {
		return Pending, nil, fmt.Errorf("piece index %d out of range", index)
	}
	p := &s.pieces[index]
	if p.completed {
		return AlreadyCompleted, nil, nil
	}
	if offset < 0 || offset+len(block) > p.size {
		return Pending, nil, fmt.Errorf("block [%d, %d) exceeds piece %d of %d bytes", offset, offset+len(block), index, p.size)
	}

	if _, dup := p.blocks[offset]; !dup {
		buf := make([]byte, len(block))
		copy(buf, block)
		p.blocks[offset] = buf
		p.received++
	}
	if p.received < p.totalBlocks {
		return Pending, nil, nil
	}

	assembled, ok := p.assemble()
	if !ok {
		p.reset()
		return Failed, nil, nil
	}
	digest := sha1.Sum(assembled)
	if !bytes.Equal(digest[:], p.hash[:]) {
		p.reset()
		return Failed, nil, nil
	}

	p.completed = true
	p.requested = false
	p.blocks = nil
	s.done++
	return Completed, assembled, nil
}

// assemble joins the block map by ascending offset, insisting that the
// blocks tile the piece exactly.
func (p *pieceState) assemble() ([]byte, bool) {
	offsets := make([]int, 0, len(p.blocks))
	for offset := range p.blocks {
		offsets = append(offsets, offset)
	}
	sort.Ints(offsets)

	assembled := make([]byte, 0, p.size)
	expected := 0
	for _, offset := range offsets {
		if offset != expected {
			return nil, false
		}
		assembled = append(assembled, p.blocks[offset]...)
		expected += len(p.blocks[offset])
	}
	return assembled, expected == p.size
}

func (p *pieceState) reset() {
	p.blocks = make(map[int][]byte)
	p.received = 0
	p.requested = false
}

// Reset returns an uncompleted piece to the idle state. Used when the
// assigned peer is lost or the piece deadline passes.
func (s *Store) Reset(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.pieces) {
		return
	}
	if p := &s.pieces[index]; !p.completed {
		p.reset()
	}
}

// Persist writes a verified piece at its absolute file offset.
func (s *Store) Persist(index int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.file.WriteAt(data, int64(index)*int64(s.meta.PieceLength))
	return err
}

func (s *Store) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done == len(s.pieces)
}

// Progress is the completed fraction in [0, 1].
func (s *Store) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pieces) == 0 {
		return 1
	}
	return float64(s.done) / float64(len(s.pieces))
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Done: s.done, Total: len(s.pieces)}
	for i := range s.pieces {
		if s.pieces[i].requested && !s.pieces[i].completed {
			stats.InFlight++
		}
	}
	return stats
}

// VerifyFile re-reads every piece from the output file and checks it
// against the expected digests.
func (s *Store) VerifyFile() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pieces {
		buf := make([]byte, s.pieces[i].size)
		if _, err := s.file.ReadAt(buf, int64(i)*int64(s.meta.PieceLength)); err != nil {
			return fmt.Errorf("re-reading piece %d: %w", i, err)
		}
		digest := sha1.Sum(buf)
		if !bytes.Equal(digest[:], s.pieces[i].hash[:]) {
			return fmt.Errorf("piece %d does not match its digest on disk", i)
		}
	}
	return nil
}

// Finalize flushes the output file to disk and closes it.
func (s *Store) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

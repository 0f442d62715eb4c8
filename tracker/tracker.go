package tracker

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"remora/metainfo"
)

// Event is the announce lifecycle state reported to trackers.
type Event int

const (
	None Event = iota
	Started
	Completed
	Stopped
)

// key returns the HTTP query value for the event; empty for None.
func (e Event) key() string {
	switch e {
	case Started:
		return "started"
	case Completed:
		return "completed"
	case Stopped:
		return "stopped"
	default:
		return ""
	}
}

// code returns the BEP 15 event code.
func (e Event) code() uint32 {
	switch e {
	case Completed:
		return 1
	case Started:
		return 2
	case Stopped:
		return 3
	default:
		return 0
	}
}

// Progress carries the transfer counters reported on each announce.
type Progress struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// ErrUnavailable means every tracker in the announce list failed.
var ErrUnavailable = errors.New("no tracker reachable")

// RejectedError is a tracker that answered but refused the announce.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "tracker rejected announce: " + e.Reason
}

// Client announces to the torrent's trackers and collects peer
// candidates. The peer ID is fixed for the lifetime of the process.
type Client struct {
	PeerID  [20]byte
	Port    uint16
	NumWant int
}

func NewClient(peerID [20]byte, port uint16) *Client {
	return &Client{PeerID: peerID, Port: port, NumWant: 50}
}

// Announce queries every tracker URL in parallel and returns the
// deduplicated union of the peers they report. It fails with
// ErrUnavailable only when every tracker fails.
func (c *Client) Announce(meta *metainfo.Meta, event Event, progress Progress) ([]Peer, error) {
	var (
		mu        sync.Mutex
		collected []Peer
		succeeded int
		lastErr   error
	)

	var g errgroup.Group
	for _, announce := range meta.AnnounceList {
		announce := announce
		g.Go(func() error {
			peers, err := c.announceOne(announce, meta, event, progress)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("tracker %s: %v", announce, err)
				lastErr = err
				return nil
			}
			succeeded++
			collected = append(collected, peers...)
			return nil
		})
	}
	g.Wait()

	if succeeded == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
		}
		return nil, ErrUnavailable
	}
	return dedupe(collected), nil
}

func (c *Client) announceOne(announce string, meta *metainfo.Meta, event Event, progress Progress) ([]Peer, error) {
	base, err := url.Parse(announce)
	if err != nil {
		return nil, err
	}
	switch base.Scheme {
	case "http", "https":
		return c.httpAnnounce(base, meta, event, progress)
	case "udp":
		return c.udpAnnounce(base.Host, meta, event, progress)
	default:
		return nil, fmt.Errorf("unsupported tracker scheme %q", base.Scheme)
	}
}

func dedupe(peers []Peer) []Peer {
	seen := make(map[string]bool, len(peers))
	out := peers[:0]
	for _, p := range peers {
		key := p.String()
		if !seen[key] {
			seen[key] = true
			out = append(out, p)
		}
	}
	return out
}

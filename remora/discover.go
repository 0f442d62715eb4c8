package remora

import (
	"log"
	"time"

	"github.com/nictuku/dht"

	"remora/tracker"
)

const dhtRequestInterval = 5 * time.Second

// trackerPeers announces to every tracker and returns the peer
// addresses they reported.
func (t *Torrent) trackerPeers(event tracker.Event) []string {
	peers, err := t.client.Announce(t.meta, event, t.progress())
	if err != nil {
		log.Printf("announce: %v", err)
		return nil
	}
	addrs := make([]string, 0, len(peers))
	for _, p := range peers {
		addrs = append(addrs, p.String())
	}
	return addrs
}

// startDHT joins the DHT and keeps asking it for peers of our info
// hash. Discovered addresses land on the buffered discovered channel
// and are merged into the next replenishment batch.
func (t *Torrent) startDHT() error {
	node, err := dht.New(nil)
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	infoHash := string(t.meta.InfoHash[:])
	go func() {
		for result := range node.PeersRequestResults {
			for _, peers := range result {
				for _, raw := range peers {
					select {
					case t.discovered <- dht.DecodePeerAddress(raw):
					default:
					}
				}
			}
		}
	}()
	go func() {
		for {
			node.PeersRequest(infoHash, false)
			time.Sleep(dhtRequestInterval)
		}
	}()
	return nil
}

// drainDiscovered empties the DHT channel without blocking.
func (t *Torrent) drainDiscovered() []string {
	var addrs []string
	for {
		select {
		case addr := <-t.discovered:
			addrs = append(addrs, addr)
		default:
			return addrs
		}
	}
}

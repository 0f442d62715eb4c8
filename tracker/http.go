package tracker

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"

	"remora/metainfo"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// httpAnnounce performs a BEP 3 HTTP GET announce and decodes the
// bencoded response. Both the compact byte-string peer form and the
// dictionary-list form are accepted.
func (c *Client) httpAnnounce(base *url.URL, meta *metainfo.Meta, event Event, progress Progress) ([]Peer, error) {
	params := url.Values{
		"info_hash":  []string{string(meta.InfoHash[:])},
		"peer_id":    []string{string(c.PeerID[:])},
		"port":       []string{strconv.Itoa(int(c.Port))},
		"uploaded":   []string{strconv.FormatInt(progress.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(progress.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(progress.Left, 10)},
		"compact":    []string{"1"},
		"numwant":    []string{strconv.Itoa(c.NumWant)},
	}
	if key := event.key(); key != "" {
		params.Set("event", key)
	}
	base.RawQuery = params.Encode()

	response, err := httpClient.Get(base.String())
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned HTTP %d", response.StatusCode)
	}

	decoded, err := bencode.Decode(response.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding tracker response: %v", err)
	}
	body, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tracker response is not a dictionary")
	}

	if reason, ok := body["failure reason"].(string); ok {
		return nil, &RejectedError{Reason: reason}
	}

	switch peers := body["peers"].(type) {
	case string:
		return ParseCompact([]byte(peers))
	case []interface{}:
		return parsePeerDicts(peers)
	default:
		return nil, fmt.Errorf("tracker response has no usable peers value")
	}
}

// parsePeerDicts handles the non-compact peers form: a list of
// dictionaries carrying ip and port.
func parsePeerDicts(list []interface{}) ([]Peer, error) {
	peers := make([]Peer, 0, len(list))
	for _, item := range list {
		dict, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("peer entry is not a dictionary")
		}
		ipStr, ok := dict["ip"].(string)
		if !ok {
			return nil, fmt.Errorf("peer entry without ip")
		}
		port, ok := dict["port"].(int64)
		if !ok || port < 0 || port > 65535 {
			return nil, fmt.Errorf("peer entry with bad port")
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, fmt.Errorf("peer entry with bad ip %q", ipStr)
		}
		peers = append(peers, Peer{IP: ip, Port: uint16(port)})
	}
	return peers, nil
}

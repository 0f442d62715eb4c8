package remora

import (
	"fmt"
	"time"
)

// Config tunes peer discovery and the download loop. The zero value is
// not usable; start from DefaultConfig.
type Config struct {
	UseTrackers          bool
	UseDHT               bool
	ShowDownloadProgress bool

	ListenPort     uint16
	MaxInitialDial int
	MaxBatchDial   int
	MinPeers       int
	DialTimeout    time.Duration
	TickInterval   time.Duration
	PieceDeadline  time.Duration
}

var DefaultConfig = Config{
	UseTrackers:          true,
	UseDHT:               false,
	ShowDownloadProgress: true,
	ListenPort:           6881,
	MaxInitialDial:       30,
	MaxBatchDial:         50,
	MinPeers:             5,
	DialTimeout:          5 * time.Second,
	TickInterval:         2 * time.Second,
	PieceDeadline:        30 * time.Second,
}

func (c Config) validate() error {
	if !c.UseTrackers && !c.UseDHT {
		return fmt.Errorf("enable tracker or dht peer discovery")
	}
	return nil
}

package main

import (
	"log"
	"os"

	"remora/remora"
)

func main() {
	if len(os.Args) != 3 {
		log.Fatalf("usage: %s <torrent file> <output directory>", os.Args[0])
	}
	torrentPath := os.Args[1]
	outputDir := os.Args[2]

	t, err := remora.New(torrentPath, outputDir)
	if err != nil {
		log.Fatal(err)
	}

	if err := t.Download(); err != nil {
		log.Fatal(err)
	}
}

package remora

import (
	"strconv"
	"sync/atomic"

	"github.com/gosuri/uiprogress"
)

func (t *Torrent) downloadProgress() *uiprogress.Bar {
	uiprogress.Start()
	total := t.meta.PieceCount()
	bar := uiprogress.AddBar(total)
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "pieces: " + strconv.Itoa(int(atomic.LoadInt32(&t.piecesDone))) + "/" + strconv.Itoa(total)
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "peers: " + strconv.Itoa(int(atomic.LoadInt32(&t.activePeers)))
	})
	bar.AppendElapsed()
	return bar
}

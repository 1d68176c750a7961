package wg

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Stats are transfer counters for the entry interface. Speeds are KiB/s.
type Stats struct {
	DownloadSpeed   float64 `json:"download_speed"`
	UploadSpeed     float64 `json:"upload_speed"`
	TotalDownload   uint64  `json:"total_download"`
	TotalUpload     uint64  `json:"total_upload"`
	LatestHandshake int64   `json:"latest_handshake"`
}

// ParseShow reads `wg show <iface> transfer` ("<peer> <rx> <tx>" lines) and
// `wg show <iface> latest-handshakes` ("<peer> <unix>" lines).
func ParseShow(transfer, handshake []byte) Stats {
	var s Stats
	sc := bufio.NewScanner(bytes.NewReader(transfer))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 3 {
			continue
		}
		rx, err1 := strconv.ParseUint(f[1], 10, 64)
		tx, err2 := strconv.ParseUint(f[2], 10, 64)
		if err1 == nil && err2 == nil {
			s.TotalDownload += rx
			s.TotalUpload += tx
		}
	}
	sc = bufio.NewScanner(bytes.NewReader(handshake))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 2 {
			continue
		}
		if hs, err := strconv.ParseInt(f[1], 10, 64); err == nil && hs > s.LatestHandshake {
			s.LatestHandshake = hs
		}
	}
	return s
}

// Meter turns successive counter samples into speeds.
type Meter struct {
	mu   sync.Mutex
	last *Stats
	at   time.Time
}

func (m *Meter) Observe(s Stats, now time.Time) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last != nil {
		if dur := now.Sub(m.at).Seconds(); dur > 0 {
			s.DownloadSpeed = float64(satSub(s.TotalDownload, m.last.TotalDownload)) / dur / 1024
			s.UploadSpeed = float64(satSub(s.TotalUpload, m.last.TotalUpload)) / dur / 1024
		}
	}
	cp := s
	m.last = &cp
	m.at = now
	return s
}

func (m *Meter) Reset() {
	m.mu.Lock()
	m.last = nil
	m.at = time.Time{}
	m.mu.Unlock()
}

func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

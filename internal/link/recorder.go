package link

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Recorder writes every frame crossing the link to a pcap stream.
type Recorder struct {
	mu sync.Mutex
	w  *pcapgo.Writer
	c  io.Closer
}

// NewRecorder writes the pcap file header to w.
func NewRecorder(w io.Writer, snapLen uint32) (*Recorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	r := &Recorder{w: pw}
	if c, ok := w.(io.Closer); ok {
		r.c = c
	}
	return r, nil
}

// CreateRecorder records to a new file at path.
func CreateRecorder(path string, snapLen uint32) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	r, err := NewRecorder(f, snapLen)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Record appends frame, stamped now.
func (r *Recorder) Record(frame []byte) error {
	ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(frame), Length: len(frame)}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.WritePacket(ci, frame)
}

func (r *Recorder) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}

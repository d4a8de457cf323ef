//go:build !cgo

package link

import "fmt"

func openPcap(cfg Config) (Link, error) {
	return nil, fmt.Errorf("pcap links need cgo, cannot open %s", cfg.Device)
}

//go:build !linux || !cgo

package link

import "fmt"

func openAfPacket(cfg Config) (Link, error) {
	return nil, fmt.Errorf("af_packet links need linux with cgo, cannot open %s", cfg.Device)
}

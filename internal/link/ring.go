package link

import "fmt"

const (
	tpacketAlignment = 16
	tpacketHdrLen    = 52
	maxBlockSize     = 4 << 20
)

// ringGeometry sizes a PACKET_MMAP ring of about bufferMB megabytes for
// frames of up to snapLen bytes. The frame size is aligned to
// TPACKET_ALIGNMENT and the block size is a multiple of both the page size
// and the frame size.
func ringGeometry(bufferMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	switch {
	case bufferMB <= 0:
		return 0, 0, 0, fmt.Errorf("ring buffer size must be positive, got %d MB", bufferMB)
	case snapLen <= 0:
		return 0, 0, 0, fmt.Errorf("snap length must be positive, got %d", snapLen)
	case pageSize <= 0 || pageSize%tpacketAlignment != 0:
		return 0, 0, 0, fmt.Errorf("page size must be a positive multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	frameSize = alignUp(tpacketHdrLen+snapLen, tpacketAlignment)

	blockSize = max(lcm(pageSize, frameSize), pageSize, frameSize)
	if blockSize > maxBlockSize {
		blockSize = maxBlockSize / pageSize * pageSize
	}
	if blockSize%frameSize != 0 {
		blockSize = alignUp(max(blockSize/frameSize, 1)*frameSize, pageSize)
	}

	numBlocks = max(bufferMB<<20/blockSize, 1)
	return frameSize, blockSize, numBlocks, nil
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}

package link

import (
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket/afpacket"
)

// AFPacketOptions tune the AF_PACKET ring buffer. Zero fields take defaults.
type AFPacketOptions struct {
	SnapLen    int
	BufferSize int
	Timeout    time.Duration
}

const (
	defaultSnapLen    = 65536
	defaultBufferSize = 8 << 20
	defaultTimeout    = 100 * time.Millisecond
)

// OpenAFPacket opens a TPacket v3 ring bound to the named interface.
func OpenAFPacket(ifaceName string, opts AFPacketOptions) (Handle, error) {
	if opts.SnapLen <= 0 {
		opts.SnapLen = defaultSnapLen
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	frameSize, blockSize, numBlocks, err := computeFrameSizeAndBlocks(opts.SnapLen, opts.BufferSize)
	if err != nil {
		return nil, err
	}

	tpacket, err := afpacket.NewTPacket(
		afpacket.OptInterface(ifaceName),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(opts.Timeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open af_packet on %s: %w", ifaceName, err)
	}
	return tpacket, nil
}

func computeFrameSizeAndBlocks(snapLen, bufferSize int) (frameSize, blockSize, numBlocks int, err error) {
	pageSize := os.Getpagesize()
	if snapLen < pageSize {
		frameSize = pageSize / (pageSize / snapLen)
	} else {
		frameSize = (snapLen/pageSize + 1) * pageSize
	}

	// A block must be a multiple of both the frame size and the page size,
	// and at least one block must fit the buffer budget. Start from 128
	// frames per block and shrink to fit.
	framesPerPage := 1
	if frameSize < pageSize {
		framesPerPage = pageSize / frameSize
	}
	framesPerBlock := 128
	if max := bufferSize / frameSize; framesPerBlock > max {
		framesPerBlock = max - max%framesPerPage
	}
	if framesPerBlock < framesPerPage {
		return 0, 0, 0, fmt.Errorf("buffer size %d too small for frame size %d", bufferSize, frameSize)
	}
	blockSize = frameSize * framesPerBlock
	numBlocks = bufferSize / blockSize
	return frameSize, blockSize, numBlocks, nil
}

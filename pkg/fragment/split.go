package fragment

import (
	"errors"
	"fmt"
	"math"
)

// Fragmentation errors.
var (
	ErrInvalidFragment  = errors.New("invalid fragment")
	ErrTooManyFragments = errors.New("message needs too many fragments")
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
	ErrMessageTooLarge  = errors.New("reassembled message too large")
	ErrBufferLimit      = errors.New("reassembly buffer limit reached")
	ErrPeerBufferLimit  = errors.New("per-peer reassembly buffer limit reached")
)

// MaxFragments is the largest fragment count a frame can describe.
const MaxFragments = math.MaxUint16

// Chunk is one fragment of a message.
type Chunk struct {
	Index uint16
	Count uint16
	Data  []byte
}

// Split divides plaintext into chunks of at most maxSize bytes. A payload
// that fits, including an empty one, yields a single chunk with Count 1.
// Chunk data aliases plaintext.
func Split(plaintext []byte, maxSize int) ([]Chunk, error) {
	if maxSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	if len(plaintext) <= maxSize {
		return []Chunk{{Index: 0, Count: 1, Data: plaintext}}, nil
	}

	n := (len(plaintext) + maxSize - 1) / maxSize
	if n > MaxFragments {
		return nil, fmt.Errorf("%w: %d", ErrTooManyFragments, n)
	}

	chunks := make([]Chunk, n)
	for i := range chunks {
		end := min((i+1)*maxSize, len(plaintext))
		chunks[i] = Chunk{
			Index: uint16(i),
			Count: uint16(n),
			Data:  plaintext[i*maxSize : end],
		}
	}
	return chunks, nil
}

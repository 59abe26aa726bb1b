package decoder

import "fmt"

// DecodeError reports why byte decoding failed at a given guest RIP.
type DecodeError struct {
	RIP    uint64
	Bytes  []byte
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at %#x: %s (bytes=% x)", e.RIP, e.Reason, e.Bytes)
}

package session

import "time"

// Stream identifies which child pipe an OutputChunk came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// OutputChunk is a bounded slice of a child's output. Per-stream Sequence
// is strictly increasing and gap-free; Payload is already
// line-or-size-bounded by the stream pump before this struct is created.
type OutputChunk struct {
	ExecutionID string
	Stream      Stream
	Sequence    uint64
	Payload     []byte
	Truncated   bool
	EmittedAt   time.Time
}

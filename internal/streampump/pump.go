// Package streampump drains a child process's stdout and stderr
// concurrently without deadlocking on a full pipe. Two independent drains
// read up to 64KiB at a time, split into lines where possible (flushing
// partial lines after 50ms to preserve interactivity), stamp each chunk
// with a monotonic per-stream sequence number, truncate binary runs, and
// push to the session's outbound queue — applying back-pressure rather
// than ever blocking the child. The pump always reads, even when the
// client cannot keep up; a full pipe must never wedge the child.
package streampump

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/execgw/gateway/internal/outbound"
	"github.com/execgw/gateway/internal/redact"
	"github.com/execgw/gateway/internal/session"
)

const (
	ReadChunk       = 64 * 1024
	FlushInterval   = 50 * time.Millisecond
	BinaryThreshold = 256 // non-printable bytes in a chunk before truncation kicks in
	MaxChunkBytes   = 64 * 1024
)

// Pump drains a single execution's stdout and stderr pipes concurrently.
type Pump struct {
	exec     *session.Execution
	queue    *outbound.Queue
	redactor *redact.Filter

	stdoutSeq atomic.Uint64
	stderrSeq atomic.Uint64

	eofCount atomic.Int32
	closed   chan struct{}
}

// New creates a Pump that writes OutputChunks for exec onto queue,
// redacting payloads with redactor before they are ever enqueued.
func New(exec *session.Execution, queue *outbound.Queue, redactor *redact.Filter) *Pump {
	return &Pump{
		exec:     exec,
		queue:    queue,
		redactor: redactor,
		closed:   make(chan struct{}),
	}
}

// Run starts both drains and returns a channel that is closed once both
// stdout and stderr have reported EOF — the supervisor then waits for the
// child's exit status.
func (p *Pump) Run(ctx context.Context, stdout, stderr io.Reader) <-chan struct{} {
	go p.drain(ctx, stdout, session.Stdout, &p.stdoutSeq)
	go p.drain(ctx, stderr, session.Stderr, &p.stderrSeq)
	return p.closed
}

func (p *Pump) drain(ctx context.Context, r io.Reader, stream session.Stream, seq *atomic.Uint64) {
	defer p.markEOF()

	type readResult struct {
		n   int
		err error
	}
	rawCh := make(chan readResult, 1)
	buf := make([]byte, ReadChunk)
	var pending bytes.Buffer

	startRead := func() {
		go func() {
			n, err := r.Read(buf)
			rawCh <- readResult{n: n, err: err}
		}()
	}
	startRead()

	timer := time.NewTimer(FlushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flush(stream, seq, pending.Bytes())
			return

		case res := <-rawCh:
			if res.n > 0 {
				pending.Write(buf[:res.n])
				p.flushLines(stream, seq, &pending)
			}
			if res.err != nil {
				p.flush(stream, seq, pending.Bytes())
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(FlushInterval)
			startRead()

		case <-timer.C:
			if pending.Len() > 0 {
				p.flush(stream, seq, pending.Bytes())
				pending.Reset()
			}
			timer.Reset(FlushInterval)
		}
	}
}

// flushLines emits every complete line currently buffered, leaving any
// trailing partial line in pending for the next read or flush-interval
// tick.
func (p *Pump) flushLines(stream session.Stream, seq *atomic.Uint64, pending *bytes.Buffer) {
	data := pending.Bytes()
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			p.flush(stream, seq, data[start:i+1])
			start = i + 1
		}
	}
	remainder := append([]byte(nil), data[start:]...)
	pending.Reset()
	pending.Write(remainder)
}

// flush emits one OutputChunk for payload, applying binary truncation,
// chunk-size clamping, and redaction, then pushes it (with back-pressure)
// to the outbound queue.
func (p *Pump) flush(stream session.Stream, seq *atomic.Uint64, payload []byte) {
	if len(payload) == 0 {
		return
	}
	if p.exec.Ended() {
		return // no chunks may follow termination
	}

	out := append([]byte(nil), payload...)
	if len(out) > MaxChunkBytes {
		out = out[:MaxChunkBytes]
	}

	truncatedBinary := false
	if countNonPrintable(out) > BinaryThreshold {
		out = []byte(fmt.Sprintf("[binary %d bytes, preview %s]", len(out), hex.EncodeToString(preview(out, 32))))
		truncatedBinary = true
	}

	redacted := p.redactor.Redact(string(out))

	chunk := session.OutputChunk{
		ExecutionID: p.exec.ExecutionID,
		Stream:      stream,
		Sequence:    seq.Add(1) - 1,
		Payload:     []byte(redacted),
		Truncated:   truncatedBinary,
		EmittedAt:   time.Now(),
	}

	p.exec.RecordOutput(string(stream), len(chunk.Payload))

	dropped := p.queue.PushWithBackpressure(outbound.Message{Value: chunk, Bytes: len(chunk.Payload)})
	if dropped {
		marker := session.OutputChunk{
			ExecutionID: p.exec.ExecutionID,
			Stream:      stream,
			Sequence:    seq.Add(1) - 1,
			Truncated:   true,
			EmittedAt:   time.Now(),
		}
		p.queue.Push(outbound.Message{Value: marker, Bytes: 0})
	}
}

func (p *Pump) markEOF() {
	if p.eofCount.Add(1) == 2 {
		close(p.closed)
	}
}

func countNonPrintable(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' || c == '\t' || c == '\r' {
			continue
		}
		if c < 0x20 || c >= 0x7f {
			n++
		}
	}
	return n
}

func preview(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}

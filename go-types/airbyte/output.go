package airbyte

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/segmentio/encoding/json"
)

const outputWriteBuffer = 1 * 1024 * 1024 // 1MiB output buffer to amortize write syscall overhead

// MessageEncoder writes Airbyte protocol messages as newline-delimited JSON. Messages
// are buffered until Flush is called, or after every message if the encoder was
// created with autoFlush set.
type MessageEncoder struct {
	mu        sync.Mutex
	bw        *bufio.Writer
	enc       *json.Encoder
	autoFlush bool
}

// NewStdoutEncoder returns an encoder which writes each message to stdout immediately.
func NewStdoutEncoder() *MessageEncoder {
	return NewMessageEncoder(os.Stdout, true)
}

// NewMessageEncoder returns an encoder writing to w.
func NewMessageEncoder(w io.Writer, autoFlush bool) *MessageEncoder {
	var bw = bufio.NewWriterSize(w, outputWriteBuffer)
	var enc = json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &MessageEncoder{bw: bw, enc: enc, autoFlush: autoFlush}
}

// Encode serializes a single message.
func (e *MessageEncoder) Encode(msg Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("encoding %s message: %w", msg.Type, err)
	}
	if e.autoFlush {
		return e.bw.Flush()
	}
	return nil
}

// Flush writes any buffered messages to the underlying writer.
func (e *MessageEncoder) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bw.Flush()
}

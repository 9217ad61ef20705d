package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"unicode/utf8"

	"github.com/isdmx/runbox/session"
)

// DefaultChunkSize is the read size of Forward
const DefaultChunkSize = 4096

// Chunks reads r until EOF, yielding each read as its own chunk. A read
// error other than io.EOF is yielded once and ends the sequence. The
// sequence consumes r and cannot be restarted.
func Chunks(r io.Reader, size int) iter.Seq2[[]byte, error] {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, size)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if !yield(bytes.Clone(buf[:n]), nil) {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(nil, err)
				}
				return
			}
		}
	}
}

// Forward sends every chunk read from r to the session as an
// sse-result-chunk event and returns the number of events sent. Chunks never
// split a UTF-8 sequence. Once ctx is done the rest of r is read and
// discarded so the writer side is never left blocked.
func Forward(ctx context.Context, r io.Reader, notifier session.Notifier, sessionID int64) (int, error) {
	var (
		sent    int
		pending []byte
		sendErr error
	)

	send := func(text []byte) {
		if len(text) == 0 || sendErr != nil || ctx.Err() != nil {
			return
		}
		sendErr = notifier.Send(sessionID, session.EventResultChunk, session.Result{Result: string(text)})
		if sendErr == nil {
			sent++
		}
	}

	for chunk, err := range Chunks(r, DefaultChunkSize) {
		if err != nil {
			send(pending)
			return sent, err
		}
		complete, rest := splitUTF8(append(pending, chunk...))
		send(complete)
		pending = bytes.Clone(rest)
	}
	send(pending)

	if sendErr != nil {
		return sent, sendErr
	}
	return sent, ctx.Err()
}

// splitUTF8 cuts an incomplete trailing UTF-8 sequence off b
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}

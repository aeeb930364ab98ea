// Package output encodes drained posts, one record per post.
package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Sternrassler/tumblr-dumper/pkg/tumblr"
)

// Supported formats.
const (
	FormatJSONLines = "jsonl"
	FormatMsgpack   = "msgpack"
)

// Writer encodes posts to an underlying stream. Flush must be called once
// the last post has been written.
type Writer interface {
	Write(post tumblr.Post) error
	Flush() error
}

// New returns the Writer for format.
func New(format string, w io.Writer) (Writer, error) {
	switch format {
	case FormatJSONLines, "":
		return NewJSONLines(w), nil
	case FormatMsgpack:
		return NewMsgpack(w), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

type jsonLines struct {
	buf *bufio.Writer
	enc *json.Encoder
}

// NewJSONLines writes each post's raw payload as one JSON object per line.
// Numbers keep their exact textual form.
func NewJSONLines(w io.Writer) Writer {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &jsonLines{buf: buf, enc: enc}
}

func (j *jsonLines) Write(post tumblr.Post) error {
	if err := j.enc.Encode(post.Value); err != nil {
		return fmt.Errorf("encode post %s: %w", post.ID, err)
	}
	return nil
}

func (j *jsonLines) Flush() error {
	return j.buf.Flush()
}

type msgpackStream struct {
	buf *bufio.Writer
	enc *msgpack.Encoder
}

// NewMsgpack writes each post's payload as a msgpack map, back to back.
// Map keys are sorted so equal payloads encode identically.
func NewMsgpack(w io.Writer) Writer {
	buf := bufio.NewWriter(w)
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	return &msgpackStream{buf: buf, enc: enc}
}

func (m *msgpackStream) Write(post tumblr.Post) error {
	if err := m.enc.Encode(post.Unwrap()); err != nil {
		return fmt.Errorf("encode post %s: %w", post.ID, err)
	}
	return nil
}

func (m *msgpackStream) Flush() error {
	return m.buf.Flush()
}

package provider

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nobody-qwert/cline-local/pkg/types"
)

const (
	sseDataPrefix = "data:"
	sseDone       = "[DONE]"
	sseReadSize   = 4096
)

// sseDecoder splits a chunked event-stream body into the payloads of its
// data lines. It buffers only up to the next newline.
type sseDecoder struct {
	r    io.Reader
	buf  []byte
	read []byte
	eof  bool
	done bool
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	return &sseDecoder{r: r, read: make([]byte, sseReadSize)}
}

// Next returns the payload of the next data line. It returns io.EOF after
// the terminator or when the body ends.
func (d *sseDecoder) Next() (string, error) {
	for !d.done {
		if i := bytes.IndexByte(d.buf, '\n'); i >= 0 {
			line := strings.TrimSpace(string(d.buf[:i]))
			d.buf = d.buf[i+1:]
			data, ok := cutData(line)
			if !ok {
				continue
			}
			if data == sseDone {
				d.done = true
				break
			}
			return data, nil
		}

		if d.eof {
			d.done = true
			// The last frame may arrive without a trailing newline. Only one
			// line can be left, since every newline was consumed above.
			rest := string(d.buf)
			d.buf = nil
			if strings.HasPrefix(rest, sseDataPrefix) {
				if data := strings.TrimSpace(rest[len(sseDataPrefix):]); data != "" && data != sseDone {
					return data, nil
				}
			}
			break
		}

		n, err := d.r.Read(d.read)
		d.buf = append(d.buf, d.read[:n]...)
		if errors.Is(err, io.EOF) {
			d.eof = true
		} else if err != nil {
			return "", err
		}
	}
	return "", io.EOF
}

func cutData(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, sseDataPrefix)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// parseCompletionFrame decodes one chat-completion chunk. Malformed JSON
// yields no chunks. Within a frame, text precedes reasoning, which precedes
// usage.
func parseCompletionFrame(data string) []types.StreamChunk {
	if !gjson.Valid(data) {
		return nil
	}
	frame := gjson.Parse(data)
	var out []types.StreamChunk

	delta := frame.Get("choices.0.delta")
	if text := delta.Get("content"); text.Type == gjson.String && text.Str != "" {
		out = append(out, types.TextChunk{Text: text.Str})
	}
	if reasoning := extractReasoning(delta); reasoning != "" {
		out = append(out, types.ReasoningChunk{Text: reasoning})
	}
	if usage, ok := extractUsage(frame.Get("usage")); ok {
		out = append(out, usage)
	}
	return out
}

// extractReasoning reads the reasoning delta from the first non-empty of:
// reasoning as a string, reasoning.content, reasoning_content.
func extractReasoning(delta gjson.Result) string {
	if !delta.IsObject() {
		return ""
	}
	r := delta.Get("reasoning")
	if r.Type == gjson.String && r.Str != "" {
		return r.Str
	}
	if r.IsObject() {
		if c := r.Get("content"); c.Type == gjson.String && c.Str != "" {
			return c.Str
		}
	}
	if rc := delta.Get("reasoning_content"); rc.Type == gjson.String && rc.Str != "" {
		return rc.Str
	}
	return ""
}

func extractUsage(u gjson.Result) (types.UsageChunk, bool) {
	if !u.IsObject() {
		return types.UsageChunk{}, false
	}
	prompt, completion := u.Get("prompt_tokens"), u.Get("completion_tokens")
	if !present(prompt) && !present(completion) {
		return types.UsageChunk{}, false
	}
	return types.UsageChunk{
		InputTokens:      int(prompt.Int()),
		OutputTokens:     int(completion.Int()),
		CacheReadTokens:  int(u.Get("prompt_tokens_details.cached_tokens").Int()),
		CacheWriteTokens: int(u.Get("prompt_cache_miss_tokens").Int()),
	}, true
}

func present(r gjson.Result) bool {
	return r.Exists() && r.Type != gjson.Null
}

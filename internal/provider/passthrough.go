package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// RewriteBody returns a copy of a JSON object with the given top-level
// members replaced and the named members removed. Other members keep their
// original bytes.
func RewriteBody(body []byte, set map[string]any, remove ...string) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode passthrough body: %w", err)
	}
	for _, k := range remove {
		delete(doc, k)
	}
	for k, v := range set {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		doc[k] = raw
	}
	return json.Marshal(doc)
}

// LineSniffer forwards a response body unchanged and calls onLine with every
// complete line that passes through it. The line is only valid for the
// duration of the call.
type LineSniffer struct {
	body   io.ReadCloser
	onLine func(line []byte)

	mu  sync.Mutex
	buf []byte
}

func NewLineSniffer(body io.ReadCloser, onLine func(line []byte)) *LineSniffer {
	return &LineSniffer{body: body, onLine: onLine}
}

func (s *LineSniffer) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if n > 0 {
		s.mu.Lock()
		s.buf = append(s.buf, p[:n]...)
		for {
			i := bytes.IndexByte(s.buf, '\n')
			if i < 0 {
				break
			}
			s.onLine(bytes.TrimRight(s.buf[:i], "\r"))
			s.buf = s.buf[i+1:]
		}
		s.mu.Unlock()
	}
	if err == io.EOF {
		s.flush()
	}
	return n, err
}

func (s *LineSniffer) Close() error {
	s.flush()
	return s.body.Close()
}

func (s *LineSniffer) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) > 0 {
		s.onLine(s.buf)
		s.buf = nil
	}
}

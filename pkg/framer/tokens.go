package framer

import (
	"bytes"
	"errors"
	"fmt"
)

// Errors returned by the parsers.
var (
	// ErrEmptyResponse is returned for an empty body.
	ErrEmptyResponse = errors.New("received empty response")

	// ErrNotOK is returned when the body reports an ok other than 1.
	ErrNotOK = errors.New("response not ok")

	// ErrMalformed is returned when a known field carries an unusable value.
	ErrMalformed = errors.New("malformed response")
)

// Token keys understood by ParseTokens.
const (
	keyOK           = "ok"
	keyID           = "id"
	keyRecordID     = "_id"
	keyTimestampHWM = "timestamp_hwm"
	keyWaitTime     = "wait_time"
)

// Tokens is the typed content of a pull body.
type Tokens struct {
	OK           int
	RecordCount  int
	TimestampHWM *int64
	WaitTime     *int
}

// ParseTokens reads the pull fields of a body in either wire form:
// the line protocol ("ok=1 id=1 timestamp_hwm=17 wait_time=30") or the
// JSON document ({"ok": 1, "result": [{"_id": ...}], ...}).
//
// Record ids are counted at any depth: "_id" in both forms, "id" only in
// the line protocol. ok, timestamp_hwm and wait_time are read from the top
// level only and the first occurrence wins. A body whose ok is anything
// but 1 is rejected with ErrNotOK; a body without ok is accepted.
func ParseTokens(body []byte) (Tokens, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Tokens{}, ErrEmptyResponse
	}

	var (
		t     Tokens
		hasOK bool
		depth int
	)

	s := scanner{buf: body}
	for !s.done() {
		c := s.peek()
		switch {
		case c == '{' || c == '[':
			depth++
			s.pos++
		case c == '}' || c == ']':
			if depth > 0 {
				depth--
			}
			s.pos++
		case c == '"':
			str, err := s.quoted()
			if err != nil {
				return Tokens{}, err
			}
			save := s.pos
			s.skipSpace()
			if s.done() || s.peek() != ':' {
				s.pos = save
				continue
			}
			s.pos++
			if err := t.apply(&s, str, depth <= 1, false, &hasOK); err != nil {
				return Tokens{}, err
			}
		case isIdent(c):
			ident := s.ident()
			if s.done() || s.peek() != '=' {
				continue
			}
			s.pos++
			if err := t.apply(&s, ident, depth <= 1, true, &hasOK); err != nil {
				return Tokens{}, err
			}
		default:
			s.pos++
		}
	}

	if hasOK && t.OK != 1 {
		return t, fmt.Errorf("%w: ok=%d", ErrNotOK, t.OK)
	}
	return t, nil
}

// apply records one key and consumes its value when the key is known.
func (t *Tokens) apply(s *scanner, key string, topLevel, lineForm bool, hasOK *bool) error {
	switch {
	case key == keyRecordID || (key == keyID && lineForm):
		t.RecordCount++
		return nil
	case !topLevel:
		return nil
	}

	switch key {
	case keyOK:
		if *hasOK {
			return nil
		}
		v, err := s.number(key)
		if err != nil {
			return err
		}
		t.OK = int(v)
		*hasOK = true
	case keyTimestampHWM:
		if t.TimestampHWM != nil {
			return nil
		}
		v, err := s.number(key)
		if err != nil {
			return err
		}
		t.TimestampHWM = &v
	case keyWaitTime:
		if t.WaitTime != nil {
			return nil
		}
		v, err := s.number(key)
		if err != nil {
			return err
		}
		w := int(v)
		t.WaitTime = &w
	}
	return nil
}

type scanner struct {
	buf []byte
	pos int
}

func (s *scanner) done() bool { return s.pos >= len(s.buf) }
func (s *scanner) peek() byte { return s.buf[s.pos] }

func (s *scanner) skipSpace() {
	for !s.done() {
		switch s.peek() {
		case ' ', '\t', '\n', '\r':
			s.pos++
		default:
			return
		}
	}
}

func isIdent(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// ident reads a whole identifier run, so "xid=1" never matches "id".
func (s *scanner) ident() string {
	start := s.pos
	for !s.done() && isIdent(s.peek()) {
		s.pos++
	}
	return string(s.buf[start:s.pos])
}

// quoted reads a JSON string starting at the opening quote.
func (s *scanner) quoted() (string, error) {
	start := s.pos
	s.pos++
	for !s.done() {
		switch s.peek() {
		case '\\':
			s.pos += 2
		case '"':
			str := string(s.buf[start+1 : s.pos])
			s.pos++
			return str, nil
		default:
			s.pos++
		}
	}
	return "", fmt.Errorf("%w: unterminated string at offset %d", ErrMalformed, start)
}

// number reads a non-negative integer value, optionally quoted.
func (s *scanner) number(key string) (int64, error) {
	s.skipSpace()
	quoted := !s.done() && s.peek() == '"'
	if quoted {
		s.pos++
	}
	start := s.pos
	var v int64
	for !s.done() && s.peek() >= '0' && s.peek() <= '9' {
		if v > (1<<62)/10 {
			return 0, fmt.Errorf("%w: %s out of range", ErrMalformed, key)
		}
		v = v*10 + int64(s.peek()-'0')
		s.pos++
	}
	if s.pos == start {
		return 0, fmt.Errorf("%w: %s is not a number", ErrMalformed, key)
	}
	if !s.done() && isIdent(s.peek()) {
		return 0, fmt.Errorf("%w: %s is not a number", ErrMalformed, key)
	}
	if quoted {
		if s.done() || s.peek() != '"' {
			return 0, fmt.Errorf("%w: %s is not a number", ErrMalformed, key)
		}
		s.pos++
	}
	return v, nil
}

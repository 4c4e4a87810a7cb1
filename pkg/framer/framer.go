// Package framer turns raw pull responses into queue-ready batches.
//
// Two wire shapes come back from the data endpoints: the JSON token
// protocol and CSV with per-version schema headers. Every framed payload
// is gzip-compressed at level 3.
package framer

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// CompressionLevel is the gzip level applied to every payload.
const CompressionLevel = 3

// Header names carried by CSV responses.
const (
	HeaderSchema   = "schema_headers"
	HeaderWaitTime = "wait_time"
)

// ErrSchemaHeaders is returned when the schema_headers header cannot be decoded.
var ErrSchemaHeaders = errors.New("invalid schema headers")

// Format of a pulled body.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Batch is one framed pull result.
type Batch struct {
	Format Format

	// Payloads are the compressed queue payloads, in order.
	Payloads [][]byte

	// Counts holds the record count of each payload.
	Counts []int

	// RecordCount is the number of records across all payloads.
	RecordCount int

	// WaitTime is the server-suggested pause in seconds, nil when absent.
	WaitTime *int

	// HWM is the high-water-mark reported by the server, nil when absent.
	HWM *int64
}

// Wait returns the suggested pause in seconds, or def when absent.
func (b Batch) Wait(def int) int {
	if b.WaitTime == nil {
		return def
	}
	return *b.WaitTime
}

// IsCSV reports whether a response carries CSV content.
func IsCSV(h http.Header) bool {
	ct := strings.ToLower(strings.TrimSpace(h.Get("Content-Type")))
	return ct == "text/csv" || strings.HasPrefix(ct, "text/csv;")
}

// Frame dispatches on the response content type.
func Frame(body []byte, h http.Header) (Batch, error) {
	if IsCSV(h) {
		return FrameCSV(body, h)
	}
	return FrameJSON(body)
}

// FrameJSON parses a token-protocol body and compresses it whole.
func FrameJSON(body []byte) (Batch, error) {
	tokens, err := ParseTokens(body)
	if err != nil {
		return Batch{}, err
	}
	payload, err := Compress(bytes.TrimSpace(body))
	if err != nil {
		return Batch{}, err
	}
	return Batch{
		Format:      FormatJSON,
		Payloads:    [][]byte{payload},
		Counts:      []int{tokens.RecordCount},
		RecordCount: tokens.RecordCount,
		WaitTime:    tokens.WaitTime,
		HWM:         tokens.TimestampHWM,
	}, nil
}

// FrameCSV partitions a CSV body by schema version.
//
// With schema headers, each version key selects the rows prefixed with
// "<key>," and becomes its own payload headed by "version,<header>".
// Versions without rows produce no payload. Without schema headers the
// whole body is one payload. An empty body is a batch of zero records.
func FrameCSV(body []byte, h http.Header) (Batch, error) {
	batch := Batch{Format: FormatCSV}

	raw := strings.TrimSpace(h.Get(HeaderSchema))
	if raw == "" {
		body = bytes.TrimSpace(body)
		if len(body) == 0 {
			return batch, nil
		}
		if w, err := strconv.Atoi(strings.TrimSpace(h.Get(HeaderWaitTime))); err == nil {
			batch.WaitTime = &w
		}
		payload, err := Compress(body)
		if err != nil {
			return Batch{}, err
		}
		batch.Payloads = [][]byte{payload}
		batch.RecordCount = max(len(splitLines(body))-1, 0)
		batch.Counts = []int{batch.RecordCount}
		return batch, nil
	}

	schema, wait, err := ParseSchemaHeaders(raw)
	if err != nil {
		return Batch{}, err
	}
	batch.WaitTime = wait

	lines := splitLines(body)
	if len(lines) == 0 || len(schema) == 0 {
		return batch, nil
	}

	versions := make([]string, 0, len(schema))
	for v := range schema {
		versions = append(versions, v)
	}
	sort.Strings(versions)

	for _, v := range versions {
		prefix := []byte(v + ",")
		var buf bytes.Buffer
		buf.WriteString("version," + schema[v])
		rows := 0
		for _, line := range lines {
			if bytes.HasPrefix(line, prefix) {
				buf.WriteByte('\n')
				buf.Write(line)
				rows++
			}
		}
		if rows == 0 {
			continue
		}
		payload, err := Compress(buf.Bytes())
		if err != nil {
			return Batch{}, err
		}
		batch.Payloads = append(batch.Payloads, payload)
		batch.Counts = append(batch.Counts, rows)
		batch.RecordCount += rows
	}
	return batch, nil
}

// ParseSchemaHeaders decodes the schema_headers value. Single quotes are
// accepted in place of double quotes. Keys starting with "v" are schema
// versions; wait_time, when present, is returned separately.
func ParseSchemaHeaders(raw string) (map[string]string, *int, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(strings.ReplaceAll(raw, "'", `"`)), &fields); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSchemaHeaders, err)
	}

	versions := make(map[string]string)
	var wait *int
	for k, v := range fields {
		switch {
		case k == HeaderWaitTime:
			w, ok := intValue(v)
			if !ok {
				return nil, nil, fmt.Errorf("%w: wait_time %v", ErrSchemaHeaders, v)
			}
			wait = &w
		case strings.HasPrefix(strings.ToLower(k), "v"):
			s, ok := v.(string)
			if !ok {
				return nil, nil, fmt.Errorf("%w: version %s is not a string", ErrSchemaHeaders, k)
			}
			versions[k] = s
		}
	}
	return versions, wait, nil
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func splitLines(body []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) > 0 {
			out = append(out, line)
		}
	}
	return out
}

// Compress gzips data at CompressionLevel.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

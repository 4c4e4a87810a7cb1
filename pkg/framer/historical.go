package framer

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Record is one historical record. Only the timestamp is interpreted.
type Record struct {
	Raw       json.RawMessage
	Timestamp int64
}

// Historical is a decoded historical pull response.
type Historical struct {
	Records []Record

	// TimestampHWM is nil when the response carries no timestamp_hwm.
	TimestampHWM *int64
	WaitTime     *int
}

type historicalBody struct {
	OK           *int              `json:"ok"`
	Result       []json.RawMessage `json:"result"`
	TimestampHWM *int64            `json:"timestamp_hwm"`
	WaitTime     *int              `json:"wait_time"`
}

// ParseHistorical decodes a historical pull body. It fails like
// ParseTokens on empty bodies and on anything but ok=1.
func ParseHistorical(body []byte) (Historical, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Historical{}, ErrEmptyResponse
	}

	var hb historicalBody
	if err := json.Unmarshal(body, &hb); err != nil {
		return Historical{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if hb.OK == nil || *hb.OK != 1 {
		ok := 0
		if hb.OK != nil {
			ok = *hb.OK
		}
		return Historical{}, fmt.Errorf("%w: ok=%d", ErrNotOK, ok)
	}

	h := Historical{TimestampHWM: hb.TimestampHWM, WaitTime: hb.WaitTime}
	for i, raw := range hb.Result {
		var r struct {
			Timestamp int64 `json:"timestamp"`
		}
		if err := json.Unmarshal(raw, &r); err != nil {
			return Historical{}, fmt.Errorf("%w: record %d: %v", ErrMalformed, i, err)
		}
		h.Records = append(h.Records, Record{Raw: raw, Timestamp: r.Timestamp})
	}
	return h, nil
}

// FilterUntil returns the records up to the first one after end.
// truncated reports whether any record was dropped.
func FilterUntil(records []Record, end int64) (kept []Record, truncated bool) {
	for i, r := range records {
		if r.Timestamp > end {
			return records[:i], true
		}
	}
	return records, false
}

// EncodeRecords renders records as {"result": [...]}, gzip-compressed
// when compress is set.
func EncodeRecords(records []Record, compress bool) ([]byte, error) {
	raws := make([]json.RawMessage, len(records))
	for i, r := range records {
		raws[i] = r.Raw
	}
	data, err := json.Marshal(map[string][]json.RawMessage{"result": raws})
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	if !compress {
		return data, nil
	}
	return Compress(data)
}

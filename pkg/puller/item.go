package puller

import (
	"encoding/json"
	"time"
)

// BackoffWait is how long a consumer should hold off before scheduling
// the next run after a terminal item with ApplyBackoff set.
const BackoffWait = 180 * time.Second

// Item is one unit handed from a worker to the drain loop.
type Item struct {
	// Payload is the framed, usually gzip-compressed, batch.
	Payload []byte

	// Records holds uncompressed historical records when compression is off.
	Records []json.RawMessage

	DataType string
	Subtype  string
	Index    string

	// ApplyBackoff is set on a terminal item when the worker ended on an
	// auth or authorization failure.
	ApplyBackoff bool

	// NonEmpty is false for a JSON pull that returned no records.
	NonEmpty bool

	RecordCount int

	// Terminal marks the last item a worker produces.
	Terminal bool
}

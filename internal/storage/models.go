package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// KindOK marks a request that produced a note.
const KindOK = "ok"

// Outcome is the ledger row for one note request. It holds metadata only;
// transcript and note text are never stored.
type Outcome struct {
	ID              string
	CreatedAt       time.Time
	Model           string
	Kind            string // KindOK or a failure kind
	Attempts        int
	ImageCount      int
	TranscriptBytes int
	Duration        time.Duration
	Source          string // "http", "mcp", "cli"
}

// KindCount is the number of outcomes recorded with a given kind.
type KindCount struct {
	Kind  string
	Count int
}

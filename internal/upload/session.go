package upload

import (
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/masterdata-cli/internal/model"
)

// Session carries the mutable state of one upload run: the pending insert
// and update queues, the batch-local dedup set, and the running totals. It
// is owned by a single Run call and never shared.
type Session struct {
	Entity       *model.Descriptor
	SkipExisting bool
	ChunkSize    int

	seen    map[string]struct{}
	inserts []model.Record
	updates []model.Update

	TotalLines int64
	Inserted   int64
	Updated    int64
	Skipped    int64
}

// DefaultChunkSize bounds memory during large uploads: every chunk flushes
// in its own transaction.
const DefaultChunkSize = 10000

// NewSession creates the state for one upload run against an entity.
func NewSession(d *model.Descriptor, skipExisting bool, chunkSize int) *Session {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Session{
		Entity:       d,
		SkipExisting: skipExisting,
		ChunkSize:    chunkSize,
		seen:         make(map[string]struct{}),
	}
}

// Seen reports whether the unique key was already encountered in this run,
// and marks it either way. The first occurrence of a key wins.
func (s *Session) Seen(key map[string]any) bool {
	k := keyString(s.Entity, key)
	if _, ok := s.seen[k]; ok {
		return true
	}
	s.seen[k] = struct{}{}
	return false
}

// QueueInsert adds a record to the pending insert queue.
func (s *Session) QueueInsert(rec model.Record) {
	s.inserts = append(s.inserts, rec)
}

// QueueUpdate adds a field-diff update to the pending update queue.
func (s *Session) QueueUpdate(u model.Update) {
	s.updates = append(s.updates, u)
}

// Pending returns the number of queued rows awaiting a flush.
func (s *Session) Pending() int {
	return len(s.inserts) + len(s.updates)
}

// take drains both queues for a flush.
func (s *Session) take() ([]model.Record, []model.Update) {
	ins, ups := s.inserts, s.updates
	s.inserts, s.updates = nil, nil
	return ins, ups
}

// keyString renders a unique-key tuple deterministically for the dedup set.
func keyString(d *model.Descriptor, key map[string]any) string {
	parts := make([]string, 0, len(key))
	for _, c := range d.UniqueKey() {
		v, ok := key[c]
		if !ok {
			continue
		}
		if t, isTime := v.(time.Time); isTime {
			parts = append(parts, t.Format("2006-01-02"))
			continue
		}
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return strings.Join(parts, "\x1f")
}

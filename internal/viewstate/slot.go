/**
 * Date Slot - process-wide holder for the latest scanned date
 *
 * One producer (the frame processor) publishes, any number of readers
 * poll Current or subscribe. Publishing overwrites; there is no history.
 */

package viewstate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adverant/nexus/datescan-worker/internal/datescan"
)

// Update is a published value together with its sequence number
type Update struct {
	Date        datescan.ParsedDate `json:"date"`
	Seq         uint64              `json:"seq"`
	PublishedAt time.Time           `json:"publishedAt"`
}

// DateSlot holds the most recently published date
type DateSlot struct {
	current atomic.Pointer[Update]

	mu        sync.Mutex
	seq       uint64
	nextID    int
	observers map[int]func(Update)
}

// NewDateSlot creates an empty slot
func NewDateSlot() *DateSlot {
	return &DateSlot{observers: make(map[int]func(Update))}
}

// Publish overwrites the slot and notifies observers synchronously, in
// no particular order. Observers must not block.
func (s *DateSlot) Publish(date datescan.ParsedDate) Update {
	s.mu.Lock()
	s.seq++
	u := Update{Date: date, Seq: s.seq, PublishedAt: time.Now()}
	s.current.Store(&u)
	observers := make([]func(Update), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(u)
	}
	return u
}

// Current returns the last published date, or the empty ParsedDate if
// nothing has been published
func (s *DateSlot) Current() datescan.ParsedDate {
	return s.Latest().Date
}

// Latest returns the last update; Seq is zero if nothing has been published
func (s *DateSlot) Latest() Update {
	if u := s.current.Load(); u != nil {
		return *u
	}
	return Update{}
}

// Observe registers fn to be called on every publish. The returned
// function removes it.
func (s *DateSlot) Observe(fn func(Update)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// Watch returns a channel that receives updates until ctx is done. A slow
// reader only ever sees the newest pending update; older ones are dropped.
func (s *DateSlot) Watch(ctx context.Context) <-chan Update {
	pending := make(chan Update, 1)
	out := make(chan Update)

	cancel := s.Observe(func(u Update) {
		for {
			select {
			case pending <- u:
				return
			default:
			}
			// Replace the stale value, unless a newer one raced in.
			select {
			case old := <-pending:
				if old.Seq > u.Seq {
					u = old
				}
			default:
			}
		}
	})

	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-pending:
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Snapshot is the wire form of an Update shared by the HTTP surface and
// the Redis mirror
type Snapshot struct {
	Value       string `json:"value"`
	Year        string `json:"year"`
	Month       string `json:"month"`
	Day         string `json:"day"`
	MonthCode   string `json:"monthCode"`
	Found       bool   `json:"found"`
	Partial     bool   `json:"partial"`
	Seq         uint64 `json:"seq"`
	PublishedAt string `json:"publishedAt,omitempty"`
}

// Snapshot converts the update to its wire form. PublishedAt is empty
// until something has been published.
func (u Update) Snapshot() Snapshot {
	s := Snapshot{
		Value:     u.Date.String(),
		Year:      u.Date.Year,
		Month:     u.Date.Month,
		Day:       u.Date.Day,
		MonthCode: u.Date.MonthCode,
		Found:     u.Date.Found(),
		Partial:   u.Date.Partial(),
		Seq:       u.Seq,
	}
	if !u.PublishedAt.IsZero() {
		s.PublishedAt = u.PublishedAt.UTC().Format(time.RFC3339Nano)
	}
	return s
}

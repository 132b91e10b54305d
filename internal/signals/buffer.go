package signals

import (
	"sync"
	"time"

	"github.com/fnolabs/tickflow/internal/depth"
)

// Book is one order book observation as the analyzer sees it: the mid
// price plus the bid and ask ladders, best level first. Books are
// immutable once appended to a Buffer.
type Book struct {
	Time time.Time
	Mid  float64
	Bids []depth.Level
	Asks []depth.Level
}

// BookFromSnapshot converts a paired depth snapshot into an analyzer
// book. Used when the analyzer runs in the depth collector process.
func BookFromSnapshot(snap *depth.Snapshot) *Book {
	b := &Book{
		Time: snap.Time,
		Bids: snap.Bids,
		Asks: snap.Asks,
	}
	bb, ba := snap.BestBid(), snap.BestAsk()
	if bb > 0 && ba > 0 {
		b.Mid = (bb + ba) / 2
	} else if bb > 0 {
		b.Mid = bb
	} else {
		b.Mid = ba
	}
	return b
}

// BookFromMessage converts a published snapshot document into an
// analyzer book. Used when the analyzer subscribes over pub/sub and
// only sees the trimmed top-of-book view.
func BookFromMessage(msg *depth.SnapshotMessage) *Book {
	return &Book{
		Time: msg.Time,
		Mid:  msg.CurrentPrice,
		Bids: msg.TopBids,
		Asks: msg.TopAsks,
	}
}

// Buffer is a fixed-capacity ring of books, oldest overwritten first.
// One goroutine appends (the depth subscriber), another reads slices by
// timestamp (the evaluation loop); the mutex covers both.
type Buffer struct {
	mu    sync.Mutex
	books []*Book
	head  int
	count int
}

// NewBuffer creates a ring holding up to capacity books. At the feed's
// ~5 snapshots/s, 600 covers the 120 s the longest pressure window
// needs.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 600
	}
	return &Buffer{books: make([]*Book, capacity)}
}

// Append adds a book, evicting the oldest when full.
func (b *Buffer) Append(book *Book) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.books[b.head] = book
	b.head = (b.head + 1) % len(b.books)
	if b.count < len(b.books) {
		b.count++
	}
}

// Len reports how many books are buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Latest returns the most recent book, or nil when empty.
func (b *Buffer) Latest() *Book {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	return b.books[(b.head-1+len(b.books))%len(b.books)]
}

// Since returns the books observed at or after cutoff, oldest first.
func (b *Buffer) Since(cutoff time.Time) []*Book {
	return b.Between(cutoff, time.Time{})
}

// Between returns the books with from <= Time <= to, oldest first. A
// zero to means no upper bound. The returned slice is a copy; the books
// it points at are shared and must not be mutated.
func (b *Buffer) Between(from, to time.Time) []*Book {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Book, 0, b.count)
	start := (b.head - b.count + len(b.books)) % len(b.books)
	for i := 0; i < b.count; i++ {
		book := b.books[(start+i)%len(b.books)]
		if book.Time.Before(from) {
			continue
		}
		if !to.IsZero() && book.Time.After(to) {
			continue
		}
		out = append(out, book)
	}
	return out
}

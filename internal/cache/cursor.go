package cache

import "github.com/ibs-source/stream-queue-adapter/internal/stream"

// Cursor is a consumer-owned read position within one queue.
// A cursor must not be shared between goroutines; any number of cursors may read the same queue.
type Cursor struct {
	ring  *ring
	queue stream.QueueID
	next  stream.SequenceToken
}

// Next returns the batch at the cursor's position and advances past it.
// It never blocks: ErrNotYetAvailable and *EvictedError leave the position unchanged.
func (c *Cursor) Next() (*stream.BatchContainer, error) {
	b, err := c.ring.lookup(c.queue, c.next)
	if err != nil {
		return nil, err
	}
	c.next = b.Token.Next()
	return b, nil
}

// Seek moves the cursor to token
func (c *Cursor) Seek(token stream.SequenceToken) {
	c.next = token
}

// Position returns the token the next call to Next will look for
func (c *Cursor) Position() stream.SequenceToken { return c.next }

// Queue returns the queue this cursor reads
func (c *Cursor) Queue() stream.QueueID { return c.queue }

package realtime

import (
	"fmt"
	"sync"
	"time"
)

const defaultStreamBuffer = 16

// PushMessage is the wire payload of one real-time notification event.
// Fields that do not apply to the notification kind are omitted.
type PushMessage struct {
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	SenderID       string    `json:"senderId,omitempty"`
	SenderNickname string    `json:"senderNickname,omitempty"`
	FeedID         string    `json:"feedId,omitempty"`
	RecordID       string    `json:"recordId,omitempty"`
	CommentID      string    `json:"commentId,omitempty"`
}

// StreamChannel is a Channel backed by a bounded buffer that an HTTP stream drains.
// Send never blocks. A full buffer closes the stream and, like a closed stream, is a transport error.
type StreamChannel struct {
	mu       sync.Mutex
	messages chan PushMessage
	closed   bool
}

// NewStreamChannel constructs a channel with the given buffer size.
func NewStreamChannel(bufferSize int) *StreamChannel {
	if bufferSize <= 0 {
		bufferSize = defaultStreamBuffer
	}
	return &StreamChannel{messages: make(chan PushMessage, bufferSize)}
}

// Send enqueues the message for the stream writer.
func (c *StreamChannel) Send(message PushMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: stream closed", ErrTransport)
	}
	select {
	case c.messages <- message:
		return nil
	default:
		c.closed = true
		close(c.messages)
		return fmt.Errorf("%w: stream buffer full", ErrTransport)
	}
}

// Messages exposes the buffered messages to the stream writer. It is closed once the stream ends.
func (c *StreamChannel) Messages() <-chan PushMessage {
	return c.messages
}

// Close marks the stream finished. Subsequent sends fail.
func (c *StreamChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.messages)
}

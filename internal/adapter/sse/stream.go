package sse

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Lybley/lifeos-sub001/internal/domain"
)

const streamBufferSize = 64

// stream is the domain.Sink of one SSE response. The handler goroutine owns
// the ResponseWriter and drains frames; Send only enqueues.
type stream struct {
	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func newStream() *stream {
	return &stream{
		frames: make(chan []byte, streamBufferSize),
		done:   make(chan struct{}),
	}
}

func (s *stream) Send(msg domain.ServerMessage) error {
	select {
	case <-s.done:
		return domain.ErrSinkClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}

	select {
	case s.frames <- data:
		return nil
	case <-s.done:
		return domain.ErrSinkClosed
	default:
		return domain.ErrSinkFull
	}
}

func (s *stream) Close(reason string) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

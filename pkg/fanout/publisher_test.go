package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mergechat/chat-api/pkg/stream"
)

// Publish must drop events and return immediately while the broker is gone
// instead of holding the caller through a redial.
func TestPublishWithoutBrokerReturnsImmediately(t *testing.T) {
	p := &Publisher{
		exchange: "chatapi.events",
		url:      "amqp://127.0.0.1:1",
		log:      zerolog.Nop(),
	}
	evt := &stream.Event{Kind: stream.EventMessage, RoomID: "!r:example.com", Cursor: 1}

	start := time.Now()
	for i := 0; i < 10; i++ {
		p.Publish(context.Background(), evt)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("10 publishes against a dead broker took %v", elapsed)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

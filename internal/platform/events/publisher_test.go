package events

import (
	"context"
	"testing"
)

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}

	if err := p.Publish(context.Background(), "dka.audit.created", map[string]string{"audit_id": "x"}); err != nil {
		t.Errorf("noop publish must never fail, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("noop close must never fail, got %v", err)
	}
}

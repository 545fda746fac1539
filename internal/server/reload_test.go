package server

import (
	"context"
	"testing"
	"time"

	"github.com/wudi/svcgate/internal/registry"
	"go.uber.org/zap"
)

type closeRecorder struct {
	registry.Registry
	closed chan struct{}
}

func (c *closeRecorder) Start(context.Context) {}

func (c *closeRecorder) Close() error {
	close(c.closed)
	return nil
}

func retiredComponents() (*components, chan struct{}) {
	rec := &closeRecorder{closed: make(chan struct{})}
	return &components{registry: rec, discovery: rec}, rec.closed
}

func TestRetireWaitsForDrain(t *testing.T) {
	s := &Server{logger: zap.NewNop()}
	old, closed := retiredComponents()
	drained := make(chan struct{})

	s.retire(old, drained, time.Hour)
	select {
	case <-closed:
		t.Fatal("components closed while requests were in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(drained)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("components not closed after drain")
	}
	s.retiring.Wait()
}

func TestRetireGivesUpAfterGrace(t *testing.T) {
	s := &Server{logger: zap.NewNop()}
	old, closed := retiredComponents()

	s.retire(old, make(chan struct{}), 20*time.Millisecond)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("components not closed after the grace period")
	}
	s.retiring.Wait()
}

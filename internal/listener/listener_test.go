package listener

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
)

// fakeListener records lifecycle calls into a shared journal.
type fakeListener struct {
	id       string
	startErr error
	stopErr  error
	journal  *journal
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) String() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return strings.Join(j.entries, " ")
}

func (f *fakeListener) ID() string   { return f.id }
func (f *fakeListener) Addr() string { return "127.0.0.1:0" }

func (f *fakeListener) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.journal.add("start:" + f.id)
	return nil
}

func (f *fakeListener) Stop(context.Context) error {
	f.journal.add("stop:" + f.id)
	return f.stopErr
}

func newFakes(j *journal, ids ...string) []*fakeListener {
	out := make([]*fakeListener, len(ids))
	for i, id := range ids {
		out[i] = &fakeListener{id: id, journal: j}
	}
	return out
}

func TestManagerRegistration(t *testing.T) {
	m := NewManager(zap.NewNop())
	for _, l := range newFakes(&journal{}, "public", "admin", "internal") {
		if err := m.Add(l); err != nil {
			t.Fatalf("Add(%s): %v", l.id, err)
		}
	}
	if err := m.Add(&fakeListener{id: "admin"}); err == nil {
		t.Error("duplicate id should be rejected")
	}

	if got := strings.Join(m.IDs(), ","); got != "public,admin,internal" {
		t.Errorf("IDs = %s, want registration order", got)
	}
	if l, ok := m.Get("admin"); !ok || l.ID() != "admin" {
		t.Errorf("Get(admin) = %v, %v", l, ok)
	}
	if _, ok := m.Get("missing"); ok {
		t.Error("Get(missing) should fail")
	}
}

func TestManagerStartStop(t *testing.T) {
	j := &journal{}
	m := NewManager(zap.NewNop())
	for _, l := range newFakes(j, "b", "a") {
		m.Add(l)
	}

	ctx := context.Background()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := m.StartAll(ctx); err == nil {
		t.Error("second StartAll should fail")
	}
	if got := j.String(); got != "start:b start:a" {
		t.Errorf("start journal = %q", got)
	}

	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	got := j.String()
	if !strings.Contains(got, "stop:a") || !strings.Contains(got, "stop:b") {
		t.Errorf("journal after stop = %q", got)
	}

	if err := m.StopAll(ctx); err != nil {
		t.Errorf("StopAll with nothing running: %v", err)
	}
	if strings.Count(j.String(), "stop:") != 2 {
		t.Errorf("listeners stopped twice: %q", j.String())
	}
}

func TestManagerStartAllRollsBack(t *testing.T) {
	j := &journal{}
	m := NewManager(zap.NewNop())
	ls := newFakes(j, "a", "b", "c", "d")
	ls[2].startErr = errors.New("address in use")
	for _, l := range ls {
		m.Add(l)
	}

	err := m.StartAll(context.Background())
	if err == nil {
		t.Fatal("StartAll should fail when a listener cannot bind")
	}
	if !strings.Contains(err.Error(), "listener c") || !strings.Contains(err.Error(), "address in use") {
		t.Errorf("error = %v", err)
	}
	if got := j.String(); got != "start:a start:b stop:b stop:a" {
		t.Errorf("journal = %q", got)
	}

	// Nothing is left running.
	if err := m.StopAll(context.Background()); err != nil {
		t.Errorf("StopAll after rollback: %v", err)
	}
	if strings.Count(j.String(), "stop:") != 2 {
		t.Errorf("journal after StopAll = %q", j.String())
	}
}

func TestManagerStopAllJoinsErrors(t *testing.T) {
	j := &journal{}
	m := NewManager(nil)
	ls := newFakes(j, "good", "bad", "worse")
	ls[1].stopErr = errors.New("drain timeout")
	ls[2].stopErr = errors.New("close failed")
	for _, l := range ls {
		m.Add(l)
	}
	if err := m.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := m.StopAll(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"listener bad: drain timeout", "listener worse: close failed"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
	if !strings.Contains(j.String(), "stop:good") {
		t.Error("healthy listener should still be stopped")
	}
}

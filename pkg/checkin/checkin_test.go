package checkin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"

	"github.com/fleetsense/fleetsense/pkg/transport"
	"github.com/fleetsense/fleetsense/pkg/types"
)

// recordingSender captures every attempt and can be told to fail the
// first N of them.
type recordingSender struct {
	mu        sync.Mutex
	attempts  []Document
	failFirst int
}

func (s *recordingSender) Send(_ context.Context, _ string, payload []byte) error {
	var doc Document
	if err := cbor.Unmarshal(payload, &doc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, doc)
	if len(s.attempts) <= s.failFirst {
		return transport.ErrSendFailed
	}
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

func (s *recordingSender) attempt(i int) Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[i]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestFirstCheckinWaitsForDocuments(t *testing.T) {
	sender := &recordingSender{}
	r := NewReporter(Config{
		Sender:   sender,
		Topic:    "checkin",
		Interval: 20 * time.Millisecond,
	})
	r.Start()
	defer r.Stop()

	// Without a published document set, nothing is sent.
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, sender.count(), "no checkin may precede the document set")

	r.OnDocumentsChanged([]types.SyncID{"DM1", "COLLECTIONSCHEME1", "COLLECTIONSCHEME2"})
	waitFor(t, func() bool { return sender.count() >= 1 })
	assert.ElementsMatch(t,
		[]types.SyncID{"DM1", "COLLECTIONSCHEME1", "COLLECTIONSCHEME2"},
		sender.attempt(0).SyncIDs,
	)
}

func TestPeriodicCheckins(t *testing.T) {
	sender := &recordingSender{}
	r := NewReporter(Config{
		Sender:   sender,
		Topic:    "checkin",
		Interval: 20 * time.Millisecond,
	})
	r.OnDocumentsChanged([]types.SyncID{"DM1"})
	r.Start()
	defer r.Stop()

	waitFor(t, func() bool { return sender.count() >= 3 })
}

func TestRetryUsesCurrentSnapshot(t *testing.T) {
	sender := &recordingSender{failFirst: 3}
	r := NewReporter(Config{
		Sender:   sender,
		Topic:    "checkin",
		Interval: 20 * time.Millisecond,
	})
	r.OnDocumentsChanged([]types.SyncID{"DM1"})
	r.Start()
	defer r.Stop()

	// While retries are still failing, the document set changes.
	waitFor(t, func() bool { return sender.count() >= 2 })
	r.OnDocumentsChanged([]types.SyncID{"DM1", "C1"})

	waitFor(t, func() bool { return sender.count() >= 5 })
	// Attempts after the document change carry the snapshot current at
	// send time, not the one captured when a send failed.
	assert.ElementsMatch(t, []types.SyncID{"DM1", "C1"}, sender.attempt(4).SyncIDs)
}

func TestStopJoins(t *testing.T) {
	sender := &recordingSender{}
	r := NewReporter(Config{Sender: sender, Topic: "checkin", Interval: time.Hour})
	r.OnDocumentsChanged([]types.SyncID{"DM1"})
	r.Start()

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

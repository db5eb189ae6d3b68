// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shaper-dataplane/src/agent/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	data []byte
	err  error
}

// scriptedSource replays queued steps, then idles with deadline timeouts
// until closed.
type scriptedSource struct {
	mu        sync.Mutex
	steps     []step
	deadlines int
	closed    chan struct{}
	closeOnce sync.Once
}

func newScriptedSource(steps ...step) *scriptedSource {
	return &scriptedSource{steps: steps, closed: make(chan struct{})}
}

func (s *scriptedSource) SetDeadline(time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines++
}

func (s *scriptedSource) ReadInto(rec *ringbuf.Record) error {
	s.mu.Lock()
	if len(s.steps) > 0 {
		next := s.steps[0]
		s.steps = s.steps[1:]
		s.mu.Unlock()
		if next.err != nil {
			return next.err
		}
		rec.RawSample = append(rec.RawSample[:0], next.data...)
		return nil
	}
	s.mu.Unlock()

	select {
	case <-s.closed:
		return ringbuf.ErrClosed
	case <-time.After(5 * time.Millisecond):
		return os.ErrDeadlineExceeded
	}
}

func (s *scriptedSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type sampleSink struct {
	mu      sync.Mutex
	samples []string
}

func (s *sampleSink) handle(sample []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, string(sample))
}

func (s *sampleSink) get() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.samples...)
}

func TestPoller_DispatchesSamples(t *testing.T) {
	src := newScriptedSource(step{data: []byte("one")}, step{data: []byte("two")})
	sink := &sampleSink{}

	p := SpawnPoller(context.Background(), src, sink.handle)

	assert.Eventually(t, func() bool { return len(sink.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, sink.get())

	p.Stop()
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not exit after Stop")
	}
}

func TestPoller_SurvivesPollFailure(t *testing.T) {
	before := testutil.ToFloat64(metrics.PollErrorsTotal)
	src := newScriptedSource(
		step{data: []byte("before")},
		step{err: errors.New("epoll_wait: interrupted")},
		step{data: []byte("after")},
	)
	sink := &sampleSink{}

	p := SpawnPoller(context.Background(), src, sink.handle)
	defer p.Stop()

	assert.Eventually(t, func() bool { return len(sink.get()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"before", "after"}, sink.get())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PollErrorsTotal))
}

func TestPoller_TimeoutsAreQuiet(t *testing.T) {
	before := testutil.ToFloat64(metrics.PollErrorsTotal)
	src := newScriptedSource()

	p := SpawnPoller(context.Background(), src, nil)

	assert.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.deadlines >= 3
	}, time.Second, 5*time.Millisecond)
	p.Stop()
	<-p.Done()

	assert.Equal(t, before, testutil.ToFloat64(metrics.PollErrorsTotal))
}

func TestPoller_ContextCancelClosesSource(t *testing.T) {
	src := newScriptedSource()
	ctx, cancel := context.WithCancel(context.Background())

	p := SpawnPoller(ctx, src, nil)
	cancel()

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not exit after cancel")
	}
	require.True(t, src.isClosed())
}

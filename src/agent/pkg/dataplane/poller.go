// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/shaper-dataplane/src/agent/pkg/metrics"
	log "github.com/sirupsen/logrus"
)

// PollTimeout bounds each ring buffer wait.
const PollTimeout = 100 * time.Millisecond

// EventHandler receives the raw bytes of one sampled packet event. The slice
// is reused for the next event.
type EventHandler func(sample []byte)

// EventSource is the read side of the sampled event ring buffer.
type EventSource interface {
	SetDeadline(t time.Time)
	ReadInto(rec *ringbuf.Record) error
	Close() error
}

var _ EventSource = (*ringbuf.Reader)(nil)

// Poller drains one EventSource on a background goroutine.
type Poller struct {
	src     EventSource
	handler EventHandler
	timeout time.Duration
	done    chan struct{}
}

// SpawnPoller starts draining src and returns immediately. The poller owns
// src from here on and closes it when it stops. Poll errors never stop it;
// only closing the source or cancelling ctx does.
func SpawnPoller(ctx context.Context, src EventSource, handler EventHandler) *Poller {
	p := &Poller{
		src:     src,
		handler: handler,
		timeout: PollTimeout,
		done:    make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

// Stop closes the source, which ends the poll loop.
func (p *Poller) Stop() {
	if err := p.src.Close(); err != nil {
		log.Debugf("Closing event source: %v", err)
	}
}

// Done is closed once the poller has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer p.src.Close()

	var rec ringbuf.Record
	for {
		select {
		case <-ctx.Done():
			log.Debug("Event poller stopped")
			return
		default:
		}

		p.src.SetDeadline(time.Now().Add(p.timeout))
		err := p.src.ReadInto(&rec)
		switch {
		case err == nil:
			metrics.ObserveEvent()
			if p.handler != nil {
				p.handler(rec.RawSample)
			}
		case errors.Is(err, os.ErrDeadlineExceeded):
			// Nothing arrived within the timeout.
		case errors.Is(err, ringbuf.ErrClosed):
			log.Info("Event ring buffer closed")
			return
		default:
			log.Errorf("Error polling event ring buffer: %v", err)
			metrics.ObservePollError()
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.timeout):
			}
		}
	}
}

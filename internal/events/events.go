// Package events publishes audit and alert events to a pluggable sink.
// Publication is fire-and-forget: a slow or failing sink never blocks the
// response path.
package events

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fossabot/otoroshi/internal/logging"
)

// Kind partitions events for the sink.
type Kind string

const (
	KindAccess Kind = "GatewayEvent"
	KindAudit  Kind = "AuditEvent"
	KindAlert  Kind = "AlertEvent"
)

// Event is one audit/alert record.
type Event struct {
	Kind      Kind           `json:"@type"`
	Timestamp time.Time      `json:"@timestamp"`
	ServiceID string         `json:"serviceId,omitempty"`
	Status    int            `json:"status,omitempty"`
	ErrorID   string         `json:"error,omitempty"`
	ClientID  string         `json:"clientId,omitempty"`
	From      string         `json:"from,omitempty"`
	Target    string         `json:"target,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sink consumes events. Implementations must tolerate bursts; errors are
// the sink's to swallow.
type Sink interface {
	Send(evt Event)
	Close()
}

// Publisher decouples the request path from the sink through a bounded
// queue. Overflow drops the event and logs it at debug level; dropped
// events are not counted.
type Publisher struct {
	queue   chan Event
	sink    Sink
	limiter *rate.Limiter
	done    chan struct{}
}

// NewPublisher starts the forwarding goroutine.
func NewPublisher(sink Sink, queueSize int, maxPerSec float64) *Publisher {
	if queueSize <= 0 {
		queueSize = 4096
	}
	var limiter *rate.Limiter
	if maxPerSec > 0 {
		burst := int(maxPerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(maxPerSec), burst)
	}
	p := &Publisher{
		queue:   make(chan Event, queueSize),
		sink:    sink,
		limiter: limiter,
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues the event, dropping it when the queue is full.
func (p *Publisher) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case p.queue <- evt:
	default:
		logging.Debug("audit queue full, event dropped", zap.String("kind", string(evt.Kind)))
	}
}

func (p *Publisher) run() {
	for evt := range p.queue {
		if p.limiter != nil && !p.limiter.Allow() {
			continue
		}
		p.sink.Send(evt)
	}
	close(p.done)
}

// Close drains the queue and stops the forwarder.
func (p *Publisher) Close() {
	close(p.queue)
	<-p.done
	p.sink.Close()
}

// LogSink writes events to the structured log.
type LogSink struct{}

// Send logs the event at info level.
func (LogSink) Send(evt Event) {
	logging.Info("event",
		zap.String("kind", string(evt.Kind)),
		zap.String("serviceId", evt.ServiceID),
		zap.Int("status", evt.Status),
		zap.String("error", evt.ErrorID),
		zap.String("clientId", evt.ClientID),
		zap.Duration("duration", evt.Duration),
	)
}

// Close implements Sink.
func (LogSink) Close() {}

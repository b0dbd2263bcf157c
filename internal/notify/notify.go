// Package notify delivers best-effort owner notifications. Callers enqueue
// without blocking; a background worker fans each message out to the
// configured sinks and logs failures instead of returning them.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gluk-w/hourboost/internal/logutil"
	"github.com/gluk-w/hourboost/internal/metrics"
)

const maxLoggedText = 300

// logText is the form of a message that may be written to a log line.
func logText(text string) string {
	return logutil.Truncate(logutil.SanitizeForLog(text), maxLoggedText)
}

// Sink delivers one message to one owner.
type Sink interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

type Message struct {
	OwnerID   uint      `json:"owner_id"`
	AccountID uint      `json:"account_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const sendTimeout = 10 * time.Second

// Dispatcher is an asynchronous fan-out to sinks.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Message
	logger  *zap.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewDispatcher(queueSize int, logger *zap.Logger, m *metrics.Metrics, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Message, queueSize),
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Notify enqueues text for ownerID. It never blocks; when the queue is full
// the message is dropped and logged.
func (d *Dispatcher) Notify(ownerID, accountID uint, text string) {
	msg := Message{OwnerID: ownerID, AccountID: accountID, Text: text, Timestamp: time.Now()}
	select {
	case <-d.done:
		d.logger.Warn("notification after close dropped", zap.Uint("owner_id", ownerID), zap.String("text", logText(text)))
		d.metrics.ObserveNotification("dropped")
		return
	default:
	}
	select {
	case d.queue <- msg:
	default:
		d.logger.Warn("notification queue full, dropping", zap.Uint("owner_id", ownerID), zap.String("text", logText(text)))
		d.metrics.ObserveNotification("dropped")
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case msg := <-d.queue:
			d.deliver(msg)
		case <-d.done:
			for {
				select {
				case msg := <-d.queue:
					d.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(msg Message) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := s.Send(ctx, msg)
		cancel()
		if err != nil {
			d.logger.Warn("notification failed",
				zap.String("sink", s.Name()),
				zap.Uint("owner_id", msg.OwnerID),
				zap.Error(err))
			d.metrics.ObserveNotification("failed")
			continue
		}
		d.metrics.ObserveNotification("sent")
	}
}

// Close stops accepting messages and drains what is queued.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, msg Message) error {
	s.Logger.Info("owner notification",
		zap.Uint("owner_id", msg.OwnerID),
		zap.Uint("account_id", msg.AccountID),
		zap.String("text", logText(msg.Text)))
	return nil
}

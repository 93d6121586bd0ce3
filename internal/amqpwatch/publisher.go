// Package amqpwatch implements the AMQP egress adapter of SPEC_FULL.md §3:
// a presence.Watcher that publishes every aggregated-view change to the
// default exchange, per spec.md §6.3. No AMQP client exists anywhere in
// the retrieved example pack, so this is built directly on
// github.com/rabbitmq/amqp091-go, the standard real-world Go client for
// the protocol.
package amqpwatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tipmeet/tippresence/internal/presence"
	"github.com/tipmeet/tippresence/utils"
)

const (
	publishTimeout = 5 * time.Second
	maxBackoff     = 30 * time.Second
	queueDepth     = 256
)

// Publisher connects to a broker and republishes every presence change it
// is notified of. It implements presence.Watcher via Notify and manages
// its own reconnect-with-backoff loop; callers register it with
// (*presence.Engine).Watch and call Close on shutdown.
type Publisher struct {
	url        string
	routingKey string
	logger     *slog.Logger

	messages chan []byte
	done     chan struct{}
	wg       sync.WaitGroup

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New starts a Publisher's background connection loop and returns it
// ready to accept notifications. The loop keeps retrying with exponential
// backoff until Close is called; it never blocks the caller.
func New(url, routingKey string, logger *slog.Logger) *Publisher {
	p := &Publisher{
		url:        url,
		routingKey: routingKey,
		logger:     logger,
		messages:   make(chan []byte, queueDepth),
		done:       make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Notify implements presence.Watcher. It is non-blocking: if the outgoing
// queue is full (the broker is unreachable for a sustained period), the
// oldest queued message is dropped to make room, since spec.md §6.3
// promises no delivery guarantee beyond a single attempt per change.
func (p *Publisher) Notify(resource string, view presence.PresenceDoc) {
	status, _ := view.StatusValue()
	payload := []any{resource, map[string]any{"presence": map[string]any{"status": status}}}
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("failed to encode presence change notification",
			slog.String("resource", resource), slog.String("error", err.Error()))
		return
	}

	select {
	case p.messages <- body:
	default:
		select {
		case <-p.messages:
		default:
		}
		select {
		case p.messages <- body:
		default:
		}
		p.logger.Warn("amqp outgoing queue full, dropped oldest notification",
			slog.String("resource", resource))
	}
}

// Close stops the connection loop and releases the broker connection.
func (p *Publisher) Close() {
	close(p.done)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()

	retry := 0
	for {
		if err := p.connect(); err != nil {
			p.logger.Warn("amqp connect failed, backing off",
				slog.String("error", err.Error()), slog.Int("attempt", retry+1))
			retry++
			select {
			case <-time.After(utils.CalculateBackoff(retry, maxBackoff)):
				continue
			case <-p.done:
				return
			}
		}
		retry = 0

		if !p.drain() {
			return
		}
		// drain returned because the connection died; loop to reconnect.
	}
}

// connect dials the broker and opens a fresh channel, then closes any prior
// channel and connection — on every reconnect a fresh channel replaces the
// old one, per spec.md §6.3. The old channel is closed with a plain Close;
// no cause is attached to it.
func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	p.mu.Lock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = conn
	p.ch = ch
	p.mu.Unlock()

	p.logger.Info("amqp connected", slog.String("routing_key", p.routingKey))
	return nil
}

// drain publishes queued messages until the connection closes or Close is
// called. Returns false if the publisher is shutting down.
func (p *Publisher) drain() bool {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case body := <-p.messages:
			if err := p.publish(body); err != nil {
				p.logger.Warn("amqp publish failed", slog.String("error", err.Error()))
				return true
			}
		case <-closed:
			return true
		case <-p.done:
			return false
		}
	}
}

func (p *Publisher) publish(body []byte) error {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	return ch.PublishWithContext(ctx, "", p.routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentmux/internal/common/logger"
)

// DefaultSeparator is the subject token separator used when none is configured.
const DefaultSeparator = ":"

// dispatchQueueSize bounds the in-flight dispatch queue. Publishers block
// once the queue is full, which backpressures instead of dropping messages.
const dispatchQueueSize = 4096

// MemoryBus implements Bus with a single dispatcher goroutine consuming an
// internal queue. Handlers for one published message run synchronously inside
// the dispatcher, so subscribers observe messages on any one subject in
// publication order. Handlers must not block for long; slow consumers delay
// everything behind them in the queue.
type MemoryBus struct {
	separator     string
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup // For queue subscriptions
	mu            sync.RWMutex
	logger        *logger.Logger
	dispatchCh    chan dispatchItem
	stopCh        chan struct{}
	doneCh        chan struct{}
	closed        bool
	closeOnce     sync.Once
}

type dispatchItem struct {
	ctx     context.Context
	subject string
	msg     *Message
}

// memorySubscription represents an in-memory subscription
type memorySubscription struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp // For wildcard matching
	handler Handler
	queue   string // Empty for regular subscriptions
	active  bool
	mu      sync.Mutex
}

// queueGroup manages load balancing for queue subscriptions
type queueGroup struct {
	subscribers []*memorySubscription
	nextIndex   int
	mu          sync.Mutex
}

// Unsubscribe removes the subscription
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	// Remove from bus subscriptions
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	// Remove from queue group if applicable
	if s.queue != "" {
		queueKey := s.queue + ":" + s.subject
		if qg, ok := s.bus.queues[queueKey]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}

	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryBus creates a new in-memory bus and starts its dispatcher.
// An empty separator selects DefaultSeparator.
func NewMemoryBus(log *logger.Logger, separator string) *MemoryBus {
	if separator == "" {
		separator = DefaultSeparator
	}
	b := &MemoryBus{
		separator:     separator,
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		logger:        log,
		dispatchCh:    make(chan dispatchItem, dispatchQueueSize),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Publish enqueues a message for dispatch to all matching subscribers.
// Delivery happens on the dispatcher goroutine; within one subject,
// subscribers see messages in the order they were published.
func (b *MemoryBus) Publish(ctx context.Context, subject string, msg *Message) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("bus is closed")
	}

	select {
	case b.dispatchCh <- dispatchItem{ctx: ctx, subject: subject, msg: msg}:
	case <-b.stopCh:
		return fmt.Errorf("bus is closed")
	}

	b.logger.Debug("Published message",
		zap.String("subject", subject),
		zap.String("message_id", msg.ID),
		zap.String("message_type", string(msg.Type)))

	return nil
}

// dispatchLoop is the single consumer of the dispatch queue. On stop it
// drains whatever was already queued before exiting.
func (b *MemoryBus) dispatchLoop() {
	defer close(b.doneCh)
	for {
		select {
		case item := <-b.dispatchCh:
			b.dispatch(item)
		case <-b.stopCh:
			for {
				select {
				case item := <-b.dispatchCh:
					b.dispatch(item)
				default:
					return
				}
			}
		}
	}
}

// dispatch delivers one message to every matching subscriber, invoking
// handlers synchronously so per-subject ordering holds.
func (b *MemoryBus) dispatch(item dispatchItem) {
	b.mu.RLock()
	var targets []*memorySubscription
	deliveredQueues := make(map[string]bool)
	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			active := sub.active
			sub.mu.Unlock()
			if !active {
				continue
			}
			if !b.matches(item.subject, pattern, sub.pattern) {
				continue
			}

			// Queue subscriptions deliver to one member per group
			if sub.queue != "" {
				queueKey := sub.queue + ":" + pattern
				if deliveredQueues[queueKey] {
					continue
				}
				deliveredQueues[queueKey] = true
				if qsub := b.pickQueueSubscriber(queueKey); qsub != nil {
					targets = append(targets, qsub)
				}
				continue
			}

			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.handler(item.ctx, item.msg); err != nil {
			b.logger.Error("Message handler error",
				zap.String("subject", item.subject),
				zap.String("message_id", item.msg.ID),
				zap.Error(err))
		}
	}
}

// pickQueueSubscriber selects the next active subscriber in a queue group
// (round-robin). Returns nil when the group is empty.
func (b *MemoryBus) pickQueueSubscriber(queueKey string) *memorySubscription {
	qg, ok := b.queues[queueKey]
	if !ok {
		return nil
	}

	qg.mu.Lock()
	defer qg.mu.Unlock()

	if len(qg.subscribers) == 0 {
		return nil
	}

	startIndex := qg.nextIndex
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (startIndex + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]

		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()

		if active {
			qg.nextIndex = (idx + 1) % len(qg.subscribers)
			return sub
		}
	}
	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject, b.separator),
		handler: handler,
		active:  true,
	}

	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// QueueSubscribe creates a queue subscription for load balancing.
// Only one subscriber in the queue group receives each message.
func (b *MemoryBus) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject, b.separator),
		handler: handler,
		queue:   queue,
		active:  true,
	}

	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	queueKey := queue + ":" + subject
	if _, ok := b.queues[queueKey]; !ok {
		b.queues[queueKey] = &queueGroup{
			subscribers: make([]*memorySubscription, 0),
		}
	}
	b.queues[queueKey].subscribers = append(b.queues[queueKey].subscribers, sub)

	b.logger.Debug("Queue subscribed to subject",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return sub, nil
}

// Request sends a request and waits for a response
func (b *MemoryBus) Request(ctx context.Context, subject string, msg *Message, timeout time.Duration) (*Message, error) {
	// Simple request-reply over a unique inbox subject
	replySubject := fmt.Sprintf("_INBOX%s%s", b.separator, msg.ID)

	responseChan := make(chan *Message, 1)

	sub, err := b.Subscribe(replySubject, func(ctx context.Context, m *Message) error {
		select {
		case responseChan <- m:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if msg.Payload == nil {
		msg.Payload = make(map[string]interface{})
	}
	msg.Payload["_reply"] = replySubject

	if err := b.Publish(ctx, subject, msg); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case response := <-responseChan:
		return response, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("request timeout after %v", timeout)
	}
}

// Close stops the dispatcher after draining queued messages and deactivates
// all subscriptions.
func (b *MemoryBus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.stopCh)
		<-b.doneCh

		b.mu.Lock()
		for _, subs := range b.subscriptions {
			for _, sub := range subs {
				sub.mu.Lock()
				sub.active = false
				sub.mu.Unlock()
			}
		}
		b.subscriptions = make(map[string][]*memorySubscription)
		b.queues = make(map[string]*queueGroup)
		b.mu.Unlock()

		b.logger.Info("Memory bus closed")
	})
}

// IsConnected returns true until the bus is closed
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks if a subject matches a pattern.
// Supports NATS-style wildcards: * (single token) and > (remaining tokens).
func (b *MemoryBus) matches(subject, pattern string, regex *regexp.Regexp) bool {
	// If no wildcards, do exact match
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}

	if regex != nil {
		return regex.MatchString(subject)
	}

	return false
}

// compilePattern converts a wildcard pattern to an anchored regex.
// The separator defines token boundaries for the * wildcard.
func compilePattern(pattern, separator string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	// Escape special regex characters except * and >. QuoteMeta escapes *
	// but leaves > alone (it is not a regex metacharacter).
	escaped := regexp.QuoteMeta(pattern)

	// Single token: anything except the separator
	token := fmt.Sprintf("[^%s]+", regexp.QuoteMeta(separator))
	escaped = strings.ReplaceAll(escaped, `\*`, token)

	// Remaining tokens: anything
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}

	return regex
}

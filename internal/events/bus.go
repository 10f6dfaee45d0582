package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Handler func(ctx context.Context, ev Event)

// Options controls delivery to one subscriber. A lossy subscriber never
// slows the publisher: events are dropped when its buffer is full. A
// reliable subscriber makes Publish wait for buffer space.
type Options struct {
	Buffer int
	Lossy  bool
}

type subscription struct {
	id      int
	name    string
	ch      chan Event
	lossy   bool
	handler Handler
	stop    chan struct{}
	done    chan struct{}
}

// Bus fans lifecycle events out to subscribers, each drained by its own
// goroutine in publish order.
type Bus struct {
	logger *zap.Logger
	onDrop func(subscriber string, ev Event)

	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger: logger,
		subs:   make(map[int]*subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetDropHook registers a callback invoked for each event a lossy
// subscriber drops.
func (b *Bus) SetDropHook(hook func(subscriber string, ev Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = hook
}

// Subscribe registers handler under name and returns a function that
// detaches it after draining what was already queued.
func (b *Bus) Subscribe(name string, opts Options, handler Handler) func() {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	b.mu.Lock()
	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		name:    name,
		ch:      make(chan Event, opts.Buffer),
		lossy:   opts.Lossy,
		handler: handler,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go b.dispatch(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub.id)
			b.mu.Unlock()
			close(sub.stop)
			<-sub.done
		})
	}
}

// Watch returns a lossy channel of events for stream consumers such as
// websocket watchers.
func (b *Bus) Watch(buffer int) (<-chan Event, func()) {
	out := make(chan Event, buffer)
	unsubscribe := b.Subscribe("watch", Options{Buffer: buffer, Lossy: true}, func(_ context.Context, ev Event) {
		select {
		case out <- ev:
		default:
		}
	})
	return out, unsubscribe
}

func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	hook := b.onDrop
	b.mu.RUnlock()

	for _, s := range subs {
		if s.lossy {
			select {
			case s.ch <- ev:
			default:
				b.logger.Warn("event dropped for slow subscriber",
					zap.String("subscriber", s.name),
					zap.String("type", string(ev.Type)),
					zap.String("call_id", ev.CallID))
				if hook != nil {
					hook(s.name, ev)
				}
			}
			continue
		}
		select {
		case s.ch <- ev:
		case <-s.stop:
		case <-b.ctx.Done():
		}
	}
}

func (b *Bus) dispatch(sub *subscription) {
	defer close(sub.done)
	for {
		select {
		case ev := <-sub.ch:
			b.deliver(sub, ev)
		case <-sub.stop:
			b.drain(sub)
			return
		case <-b.ctx.Done():
			b.drain(sub)
			return
		}
	}
}

func (b *Bus) drain(sub *subscription) {
	for {
		select {
		case ev := <-sub.ch:
			b.deliver(sub, ev)
		default:
			return
		}
	}
}

func (b *Bus) deliver(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("subscriber", sub.name),
				zap.String("type", string(ev.Type)),
				zap.Any("panic", r))
		}
	}()
	sub.handler(b.ctx, ev)
}

// Close stops all dispatchers after they drain their queues.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		subs := make([]*subscription, 0, len(b.subs))
		for _, s := range b.subs {
			subs = append(subs, s)
		}
		b.subs = make(map[int]*subscription)
		b.mu.Unlock()

		b.cancel()
		for _, s := range subs {
			<-s.done
		}
	})
}

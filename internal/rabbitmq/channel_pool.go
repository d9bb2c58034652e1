package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool manages a pool of AMQP channels. Channels are put in confirm
// mode once, when created, and carry their own confirm and return listeners.
type ChannelPool struct {
	conn        *Connection
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	idleTimeout time.Duration
	waitTimeout time.Duration
	logger      *slog.Logger
	mu          sync.Mutex
	closed      bool
	activeCount int
	done        chan struct{}
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	confirms <-chan amqp.Confirmation
	returns  <-chan amqp.Return
	lastUsed time.Time
	id       string
}

// ID returns the pool's identifier for the channel
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the minimum pool size
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets the idle timeout for channels
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		if logger != nil {
			cp.logger = logger
		}
	}
}

func newChannelPool(conn *Connection, options ...ChannelPoolOption) *ChannelPool {
	pool := &ChannelPool{
		conn:        conn,
		maxSize:     10,
		minSize:     1,
		idleTimeout: 5 * time.Minute,
		waitTimeout: 5 * time.Second,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	return pool
}

func (cp *ChannelPool) validate() error {
	if cp.maxSize < 1 {
		return fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if cp.minSize < 0 || cp.minSize > cp.maxSize {
		return fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}
	return nil
}

// NewChannelPool creates a channel pool on conn
func NewChannelPool(conn *Connection, options ...ChannelPoolOption) (*ChannelPool, error) {
	if conn == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := newChannelPool(conn, options...)
	if err := pool.validate(); err != nil {
		return nil, err
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	var created []*PooledChannel
	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.createChannel()
		if err != nil {
			for _, c := range created {
				_ = c.Channel.Close()
			}
			return nil, &ChannelError{
				Op:        "pool initialization",
				ChannelID: fmt.Sprintf("init-%d", i),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		created = append(created, ch)
	}
	for _, ch := range created {
		pool.channels <- ch
	}

	go pool.cleanupIdle()

	return pool, nil
}

// Get retrieves a channel from the pool
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		return cp.checkOut(ctx, ch)
	default:
	}

	cp.mu.Lock()
	if cp.activeCount < cp.maxSize {
		cp.mu.Unlock()
		return cp.createAndGet(ctx)
	}
	cp.mu.Unlock()

	timer := time.NewTimer(cp.waitTimeout)
	defer timer.Stop()

	select {
	case ch, ok := <-cp.channels:
		if !ok {
			return nil, ErrChannelPoolClosed
		}
		return cp.checkOut(ctx, ch)
	case <-ctx.Done():
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
	case <-timer.C:
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
	}
}

func (cp *ChannelPool) checkOut(ctx context.Context, ch *PooledChannel) (*PooledChannel, error) {
	if ch == nil {
		return nil, ErrChannelPoolClosed
	}
	if ch.Channel.IsClosed() {
		cp.release()
		return cp.createAndGet(ctx)
	}
	ch.lastUsed = time.Now()
	return ch, nil
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		_ = ch.Channel.Close()
		return
	}
	cp.mu.Unlock()

	if ch.Channel.IsClosed() {
		cp.release()
		return
	}

	ch.lastUsed = time.Now()

	select {
	case cp.channels <- ch:
	default:
		_ = ch.Channel.Close()
		cp.release()
	}
}

// Discard closes a channel that must not be reused, e.g. after a publish
// left its confirm listener in an unknown state
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	_ = ch.Channel.Close()
	cp.release()
}

// Close closes all channels in the pool
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	close(cp.done)
	close(cp.channels)

	for ch := range cp.channels {
		if ch != nil && !ch.Channel.IsClosed() {
			_ = ch.Channel.Close()
		}
	}

	return nil
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}

// createChannel creates a new pooled channel in confirm mode
func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	ch, err := cp.conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{
			Op:        "enable confirms",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	pooled := &PooledChannel{
		Channel:  ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 1)),
		lastUsed: time.Now(),
		id:       uuid.New().String(),
	}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()

	cp.logger.Debug("opened channel", "channelId", pooled.id)
	return pooled, nil
}

func (cp *ChannelPool) createAndGet(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}
	return cp.createChannel()
}

// cleanupIdle closes channels unused for longer than the idle timeout
func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
		}

		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return
		}
		cutoff := time.Now().Add(-cp.idleTimeout)
		var keep []*PooledChannel
	drain:
		for {
			select {
			case ch := <-cp.channels:
				if ch.lastUsed.Before(cutoff) && cp.activeCount > cp.minSize {
					_ = ch.Channel.Close()
					cp.activeCount--
				} else {
					keep = append(keep, ch)
				}
			default:
				break drain
			}
		}
		for _, ch := range keep {
			cp.channels <- ch
		}
		cp.mu.Unlock()
	}
}

// Size returns the current number of open channels
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs a function with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()

	return execErr
}

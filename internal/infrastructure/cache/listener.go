// Package cache provides caching infrastructure with PostgreSQL LISTEN/NOTIFY support.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stocksync/pkg/logger"
)

// InvalidationListener is called for every notification received.
type InvalidationListener func(channel string, payload string)

// Listener holds a dedicated connection subscribed to NOTIFY channels and fans
// notifications out to registered listeners.
type Listener struct {
	pool     *pgxpool.Pool
	channels []string

	listeners   []InvalidationListener
	listenersMu sync.RWMutex

	// Lifecycle
	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
}

// NewListener creates a listener for channels.
func NewListener(pool *pgxpool.Pool, channels ...string) *Listener {
	return &Listener{pool: pool, channels: channels}
}

// Subscribe registers fn. It is called from the listener goroutine.
func (l *Listener) Subscribe(fn InvalidationListener) {
	l.listenersMu.Lock()
	l.listeners = append(l.listeners, fn)
	l.listenersMu.Unlock()
}

// Start begins listening in the background.
func (l *Listener) Start(ctx context.Context) {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()
	if l.started {
		return
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.started = true

	l.wg.Add(1)
	go l.listenLoop()
}

// Stop cancels the listener and waits for it to exit.
func (l *Listener) Stop() {
	l.lifecycleMu.Lock()
	if !l.started {
		l.lifecycleMu.Unlock()
		return
	}
	cancel := l.cancel
	l.started = false
	l.cancel = nil
	l.lifecycleMu.Unlock()

	cancel()
	l.wg.Wait()
}

// listenLoop reacquires a connection whenever the current one fails.
func (l *Listener) listenLoop() {
	defer l.wg.Done()

	for l.ctx.Err() == nil {
		conn, err := l.pool.Acquire(l.ctx)
		if err != nil {
			logger.Error(l.ctx, "failed to acquire connection for LISTEN", "error", err)
			l.sleep(time.Second)
			continue
		}

		if err := l.subscribe(conn); err != nil {
			logger.Error(l.ctx, "failed to LISTEN", "error", err)
			conn.Release()
			l.sleep(time.Second)
			continue
		}

		logger.Info(l.ctx, "listening for notifications", "channels", l.channels)

		// Notifications sent while reconnecting are lost; tell listeners to drop everything.
		l.dispatch("", "")
		l.waitForNotifications(conn)
		conn.Release()
	}
}

func (l *Listener) subscribe(conn *pgxpool.Conn) error {
	for _, ch := range l.channels {
		if _, err := conn.Exec(l.ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return err
		}
	}
	return nil
}

// waitForNotifications blocks until the connection fails or the listener stops.
func (l *Listener) waitForNotifications(conn *pgxpool.Conn) {
	for {
		ctx, cancel := context.WithTimeout(l.ctx, 30*time.Second)
		notification, err := conn.Conn().WaitForNotification(ctx)
		cancel()

		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			if ctx.Err() != nil {
				// Timeout is expected, continue listening
				continue
			}
			logger.Warn(l.ctx, "notification connection lost", "error", err)
			return
		}

		logger.Debug(l.ctx, "received notification",
			"channel", notification.Channel,
			"payload", notification.Payload)
		l.dispatch(notification.Channel, notification.Payload)
	}
}

// dispatch calls every listener with panic recovery.
func (l *Listener) dispatch(channel, payload string) {
	l.listenersMu.RLock()
	defer l.listenersMu.RUnlock()

	for _, fn := range l.listeners {
		func(fn InvalidationListener) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error(l.ctx, "listener panic recovered", "channel", channel, "panic", r)
				}
			}()
			fn(channel, payload)
		}(fn)
	}
}

func (l *Listener) sleep(d time.Duration) {
	select {
	case <-l.ctx.Done():
	case <-time.After(d):
	}
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/realtime"
)

const (
	ackTimeout     = 10 * time.Second
	writeTimeout   = 10 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

var ErrFeedClosed = errors.New("realtime feed is closed")

// subscribeAck is resolved once the server answered every subscribe
// request sent for a topic.
type subscribeAck struct {
	done chan struct{}
	err  error
}

// topicState is the server side of one topic on the current connection.
type topicState struct {
	active bool
	sent   int
	acked  int
	ack    *subscribeAck
}

// request records a subscribe frame about to be sent.
func (st *topicState) request() {
	st.sent++
	if st.ack == nil || st.ack.resolved() {
		st.ack = &subscribeAck{done: make(chan struct{})}
	}
}

func (st *topicState) reply(err error) {
	st.acked++
	if err != nil {
		st.active = false
		if st.ack != nil {
			st.ack.err = err
		}
	}
	if st.acked >= st.sent && st.ack != nil && !st.ack.resolved() {
		close(st.ack.done)
	}
}

func (a *subscribeAck) resolved() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Feed is a websocket-backed realtime.Feed. Events for a topic are
// published into a local broker in the order the server sent them.
type Feed struct {
	url     string
	dialer  *websocket.Dialer
	broker  *realtime.Broker
	logger  *zap.Logger
	backoff time.Duration

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	topics      map[string]*topicState
	reconnected []func()
	closed      bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	callbacks sync.WaitGroup
}

// DialFeed connects to the server's websocket endpoint. The feed
// reconnects with backoff until ctx is done or Close is called.
func (c *Client) DialFeed(ctx context.Context) (*Feed, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"token": {c.token}}.Encode()

	f := &Feed{
		url:     u.String(),
		dialer:  websocket.DefaultDialer,
		broker:  realtime.NewBroker(),
		logger:  c.logger.Named("feed"),
		backoff: initialBackoff,
		topics:  make(map[string]*topicState),
		done:    make(chan struct{}),
	}
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.broker.OnTopicEmpty(f.topicEmpty)

	conn, err := f.dial(ctx)
	if err != nil {
		f.cancel()
		return nil, err
	}
	f.conn = conn
	go f.run(conn)
	return f, nil
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect realtime feed: %w", err)
	}
	return conn, nil
}

// OnReconnect registers fn to run after the connection was re-established.
// Events published while disconnected are lost, so callers refetch. fn
// runs on its own goroutine and may subscribe.
func (f *Feed) OnReconnect(fn func()) {
	f.mu.Lock()
	f.reconnected = append(f.reconnected, fn)
	f.mu.Unlock()
}

// Subscribe follows topic. It returns once the server confirmed the topic,
// so a fetch issued after Subscribe returns cannot miss a concurrent
// change. Concurrent subscribers of one topic share a single request.
func (f *Feed) Subscribe(topic string) (*realtime.Subscription, error) {
	sub, err := f.broker.Subscribe(topic)
	if err != nil {
		return nil, ErrFeedClosed
	}

	f.mu.Lock()
	st := f.topics[topic]
	if st == nil {
		st = &topicState{}
		f.topics[topic] = st
	}
	send := !st.active
	if send {
		st.active = true
		st.request()
	}
	ack := st.ack
	f.mu.Unlock()

	if send {
		if err := f.write(models.WSRequest{Action: models.ActionSubscribe, Topic: topic}); err != nil {
			// the reconnect loop resubscribes every live topic
			f.logger.Warn("subscribe while disconnected", zap.String("topic", topic), zap.Error(err))
			return sub, nil
		}
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case <-ack.done:
		if ack.err != nil {
			sub.Close()
			return nil, fmt.Errorf("subscribe %s: %w", topic, ack.err)
		}
		return sub, nil
	case <-timer.C:
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: no acknowledgement", topic)
	case <-f.ctx.Done():
		sub.Close()
		return nil, ErrFeedClosed
	}
}

func (f *Feed) resolve(topic string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st := f.topics[topic]; st != nil {
		st.reply(err)
	}
}

func (f *Feed) topicEmpty(topic string) {
	if f.ctx.Err() != nil {
		return
	}
	f.mu.Lock()
	st := f.topics[topic]
	if st == nil || !st.active || f.broker.SubscriberCount(topic) > 0 {
		f.mu.Unlock()
		return
	}
	st.active = false
	f.mu.Unlock()

	if err := f.write(models.WSRequest{Action: models.ActionUnsubscribe, Topic: topic}); err != nil {
		f.logger.Debug("unsubscribe not sent", zap.String("topic", topic), zap.Error(err))
	}
}

func (f *Feed) write(req models.WSRequest) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(req)
}

func (f *Feed) run(conn *websocket.Conn) {
	defer close(f.done)
	for {
		f.readLoop(conn)

		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		conn.Close()

		conn = f.redial()
		if conn == nil {
			return
		}

		// the new connection starts without server subscriptions
		f.mu.Lock()
		f.conn = conn
		var topics []string
		for topic, st := range f.topics {
			st.sent, st.acked = 0, 0
			if !st.active || f.broker.SubscriberCount(topic) == 0 {
				delete(f.topics, topic)
				continue
			}
			st.request()
			topics = append(topics, topic)
		}
		fns := append([]func(){}, f.reconnected...)
		f.mu.Unlock()

		for _, topic := range topics {
			if err := f.write(models.WSRequest{Action: models.ActionSubscribe, Topic: topic}); err != nil {
				f.logger.Warn("resubscribe failed", zap.String("topic", topic), zap.Error(err))
			}
		}

		// callbacks may wait for acks, which only the read loop delivers
		f.callbacks.Add(len(fns))
		for _, fn := range fns {
			go func() {
				defer f.callbacks.Done()
				fn()
			}()
		}
	}
}

// redial reconnects with exponential backoff. It returns nil once the
// feed is closed.
func (f *Feed) redial() *websocket.Conn {
	f.mu.Lock()
	backoff := f.backoff
	f.mu.Unlock()
	for {
		select {
		case <-f.ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		conn, err := f.dial(f.ctx)
		if err == nil {
			return conn
		}
		if f.ctx.Err() != nil {
			return nil
		}
		f.logger.Info("realtime reconnect failed", zap.Duration("backoff", backoff), zap.Error(err))
		backoff = min(backoff*2, maxBackoff)
	}
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if f.ctx.Err() == nil {
				f.logger.Info("realtime connection lost", zap.Error(err))
			}
			return
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) > 0 {
				f.handleFrame(line)
			}
		}
	}
}

func (f *Feed) handleFrame(data []byte) {
	var frame models.WSFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	switch frame.Type {
	case models.FrameEvent:
		var ev realtime.Event
		if err := json.Unmarshal(frame.Event, &ev); err != nil {
			f.logger.Warn("dropping malformed event", zap.String("topic", frame.Topic), zap.Error(err))
			return
		}
		f.broker.Publish(frame.Topic, ev)
	case models.FrameSubscribed:
		f.resolve(frame.Topic, nil)
	case models.FrameError:
		if frame.Topic != "" {
			f.resolve(frame.Topic, errors.New(frame.Message))
			return
		}
		f.logger.Warn("server error frame", zap.String("message", frame.Message))
	}
}

// Close disconnects and releases every subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	conn := f.conn
	f.mu.Unlock()

	f.cancel()
	if conn != nil {
		f.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		f.writeMu.Unlock()
		conn.Close()
	}
	<-f.done
	f.callbacks.Wait()
	f.broker.Close()
}

var _ realtime.Feed = (*Feed)(nil)

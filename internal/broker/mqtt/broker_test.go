package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibs-source/stream-queue-adapter/internal/broker"
	"github.com/ibs-source/stream-queue-adapter/internal/log"
	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

type publishCall struct {
	topic   string
	payload []byte
}

type fakeSession struct {
	mu           sync.Mutex
	publishErr   error
	subscribeErr error
	published    []publishCall
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	closed       bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeSession) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishCall{topic: topic, payload: payload})
	return nil
}

func (f *fakeSession) Subscribe(topic string, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeSession) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	f.unsubscribed = append(f.unsubscribed, topic)
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) handler(topic string) mqtt.MessageHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

func (f *fakeSession) unsubscribedFrom() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

type fakeMessage struct {
	topic   string
	payload []byte
	mu      sync.Mutex
	acked   int
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked++
}

func (m *fakeMessage) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

func receive(t *testing.T, ch <-chan broker.Delivery) broker.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return broker.Delivery{}
}

func TestTopic(t *testing.T) {
	tests := []struct {
		prefix string
		queue  string
		want   string
	}{
		{"streams", "stream-0", "streams/stream-0"},
		{"tenant/streams/", "stream-1", "tenant/streams/stream-1"},
		{"", "stream-2", "stream-2"},
	}
	for _, tt := range tests {
		b := newBroker(newFakeSession(), tt.prefix, log.Discard())
		assert.Equal(t, tt.want, b.Topic(tt.queue))
		assert.Equal(t, tt.queue, b.queueOf(tt.want))
	}
}

func TestPublish(t *testing.T) {
	s := newFakeSession()
	b := newBroker(s, "streams", log.Discard())

	require.NoError(t, b.Publish(context.Background(), "stream-3", []byte("batch")))
	require.Len(t, s.published, 1)
	assert.Equal(t, "streams/stream-3", s.published[0].topic)
	assert.Equal(t, []byte("batch"), s.published[0].payload)

	cause := errors.New("not connected")
	s.publishErr = cause
	err := b.Publish(context.Background(), "stream-3", []byte("batch"))
	var pe *stream.PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "stream-3", pe.Queue)
	assert.ErrorIs(t, err, cause)
}

func TestConsumeDeliversAndAcks(t *testing.T) {
	s := newFakeSession()
	b := newBroker(s, "streams", log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Consume(ctx, "stream-0")
	require.NoError(t, err)

	handler := s.handler("streams/stream-0")
	require.NotNil(t, handler)

	msg := &fakeMessage{topic: "streams/stream-0", payload: []byte("one")}
	go handler(nil, msg)

	d := receive(t, ch)
	assert.Equal(t, "stream-0", d.Queue)
	assert.Equal(t, []byte("one"), d.Body)
	assert.Equal(t, 0, msg.ackCount(), "delivery must not be acknowledged before Ack")

	require.NoError(t, b.Ack(ctx, d.Token))
	assert.Equal(t, 1, msg.ackCount())
}

func TestConsumeClosesOnCancel(t *testing.T) {
	s := newFakeSession()
	b := newBroker(s, "streams", log.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Consume(ctx, "stream-1")
	require.NoError(t, err)
	handler := s.handler("streams/stream-1")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery channel not closed after cancel")
	}
	assert.Equal(t, []string{"streams/stream-1"}, s.unsubscribedFrom())

	// Late callbacks from the router are discarded without panicking
	msg := &fakeMessage{topic: "streams/stream-1", payload: []byte("late")}
	handler(nil, msg)
	assert.Equal(t, 0, msg.ackCount())
}

func TestConsumeSubscribeError(t *testing.T) {
	s := newFakeSession()
	s.subscribeErr = errors.New("not authorized")
	b := newBroker(s, "streams", log.Discard())

	_, err := b.Consume(context.Background(), "stream-0")
	require.ErrorIs(t, err, s.subscribeErr)
	assert.Empty(t, b.cancels)
}

func TestAckForeignToken(t *testing.T) {
	b := newBroker(newFakeSession(), "streams", log.Discard())
	err := b.Ack(context.Background(), "not-a-message")
	var ae *stream.AckError
	require.ErrorAs(t, err, &ae)
}

func TestClose(t *testing.T) {
	s := newFakeSession()
	b := newBroker(s, "streams", log.Discard())

	ch, err := b.Consume(context.Background(), "stream-0")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.True(t, s.closed)

	_, ok := <-ch
	assert.False(t, ok)

	err = b.Publish(context.Background(), "stream-0", []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.Consume(context.Background(), "stream-0")
	assert.ErrorIs(t, err, ErrClosed)

	msg := &fakeMessage{topic: "streams/stream-0"}
	err = b.Ack(context.Background(), msg)
	var ae *stream.AckError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "stream-0", ae.Queue)
	assert.Equal(t, 0, msg.ackCount())
}

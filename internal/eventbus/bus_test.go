package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func newLocal(t *testing.T) *NATSBus {
	t.Helper()
	b, err := NewLocal(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "readyd.jobs.org-1.job-9.job.completed", JobEventSubject("org-1", "job-9", "job.completed"))
	assert.Equal(t, "readyd.jobs.org-1.job-9.>", JobEventsFilter("org-1", "job-9"))
	assert.Equal(t, "job.completed", EventType("readyd.jobs.org-1.job-9.job.completed"))
	assert.Equal(t, "", EventType("readyd.jobs.requested"))
	assert.Equal(t, "a_b_c__", Token("a.b*c> "))
	assert.Equal(t, "_", Token(""))
}

func TestLocal_PublishSubscribe(t *testing.T) {
	b := newLocal(t)

	got := make(chan Message, 4)
	sub, err := b.Subscribe(JobEventsFilter("org", "j1"), func(_ context.Context, m Message) { got <- m })
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, JobEventSubject("org", "j2", "job.completed"), []byte("other")))
	require.NoError(t, b.Publish(ctx, JobEventSubject("org", "j1", "job.completed"), []byte(`{"ok":true}`)))

	select {
	case m := <-got:
		assert.Equal(t, "job.completed", EventType(m.Subject))
		assert.JSONEq(t, `{"ok":true}`, string(m.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
	assert.Empty(t, got)
}

func TestLocal_QueueSubscribeDeliversOnce(t *testing.T) {
	b := newLocal(t)

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 3; i++ {
		_, err := b.QueueSubscribe(SubjectJobRequested, WorkerQueue, func(context.Context, Message) {
			count.Add(1)
			wg.Done()
		})
		require.NoError(t, err)
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), SubjectJobRequested, []byte("j")))
	}
	require.NoError(t, b.Flush())

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages not delivered")
	}
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 10, count.Load())
}

func TestPublish_PropagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	b := newLocal(t)
	got := make(chan trace.SpanContext, 1)
	_, err := b.Subscribe("readyd.test", func(ctx context.Context, _ Message) {
		got <- trace.SpanContextFromContext(ctx)
	})
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	require.NoError(t, b.Publish(ctx, "readyd.test", nil))

	select {
	case remote := <-got:
		assert.Equal(t, sc.TraceID(), remote.TraceID())
		assert.True(t, remote.IsRemote())
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
}

func TestHeaderCarrier_IgnoresKeyCase(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{9, 8, 7},
		SpanID:     trace.SpanID{6, 5, 4},
		TraceFlags: trace.FlagsSampled,
	})
	h := nats.Header{}
	h["traceparent"] = []string{"00-" + sc.TraceID().String() + "-" + sc.SpanID().String() + "-01"}

	ctx := propagation.TraceContext{}.Extract(context.Background(), headerCarrier(h))
	remote := trace.SpanContextFromContext(ctx)
	assert.Equal(t, sc.TraceID(), remote.TraceID())
	assert.Equal(t, sc.SpanID(), remote.SpanID())

	c := headerCarrier(h)
	c.Set("Traceparent", "replaced")
	assert.Len(t, h, 1)
	assert.Equal(t, "replaced", c.Get("TRACEPARENT"))
	assert.Equal(t, []string{"Traceparent"}, c.Keys())
}

func TestEmbedded_RemoteClient(t *testing.T) {
	b, err := NewEmbedded(EmbeddedOptions{}, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	client, err := Connect(Options{URL: b.embedded.ClientURL()}, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	got := make(chan Message, 1)
	_, err = client.Subscribe("readyd.ping", func(_ context.Context, m Message) { got <- m })
	require.NoError(t, err)
	require.NoError(t, client.Flush())

	require.NoError(t, b.Publish(context.Background(), "readyd.ping", []byte("pong")))
	select {
	case m := <-got:
		assert.Equal(t, "pong", string(m.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
}

func TestClose_PublishFails(t *testing.T) {
	b, err := NewLocal(zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "x", nil), ErrClosed)
}

package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func sampledContext(t *testing.T) (context.Context, trace.SpanContext) {
	t.Helper()
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	return trace.ContextWithSpanContext(context.Background(), sc), sc
}

func TestPublishSendsJSONWithEventAttribute(t *testing.T) {
	t.Parallel()

	ctx, sc := sampledContext(t)
	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	topic, err := client.CreateTopic(ctx, "audit-batches")
	require.NoError(t, err)
	pub := New(topic, WithPropagator(propagation.TraceContext{}))
	defer pub.Stop()

	id, err := pub.Publish(ctx, "batch.triggered", map[string]string{"batchId": "b1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "batch.triggered", msgs[0].Attributes[EventAttribute])
	require.Equal(t, "00-"+sc.TraceID().String()+"-"+sc.SpanID().String()+"-01", msgs[0].Attributes["traceparent"])
	var body map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	require.Equal(t, "b1", body["batchId"])
}

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "batch.triggered", nil)
	require.Error(t, err)

	_, err = New(nil).Publish(context.Background(), "x", func() {})
	require.Error(t, err)
}

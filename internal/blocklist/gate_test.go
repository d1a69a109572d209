package blocklist

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// countingStore records which ids were looked up.
type countingStore struct {
	*MemoryStore
	lookups []string
}

func (s *countingStore) Get(ctx context.Context, id string) (*Entity, error) {
	s.lookups = append(s.lookups, id)
	return s.MemoryStore.Get(ctx, id)
}

func newGate(t *testing.T) (*Gate, *countingStore) {
	t.Helper()
	store := &countingStore{MemoryStore: NewMemoryStore()}
	return NewGate(store, nil), store
}

func TestCheck_SenderWinsWithoutReceiverLookup(t *testing.T) {
	g, store := newGate(t)
	ctx := context.Background()
	_, err := g.Block(ctx, BlockRequest{EntityID: "X", Reason: "known fraudster"})
	require.NoError(t, err)
	_, err = g.Block(ctx, BlockRequest{EntityID: "Y", Type: TypeReceiver, Reason: "mule"})
	require.NoError(t, err)
	store.lookups = nil

	hit, err := g.Check(ctx, "X", "Y")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, SideSender, hit.Side)
	assert.Equal(t, "X", hit.Entity.EntityID)
	assert.Equal(t, []string{"X"}, store.lookups)
}

func TestCheck_ReceiverHit(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	_, err := g.Block(ctx, BlockRequest{EntityID: "MULE_1", Type: TypeReceiver, Reason: "structuring"})
	require.NoError(t, err)

	hit, err := g.Check(ctx, "ACC_1001", "MULE_1")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, SideReceiver, hit.Side)
}

func TestCheck_UnknownReceiverNeverLookedUp(t *testing.T) {
	g, store := newGate(t)
	ctx := context.Background()
	// Even a registry entry literally named "Unknown" is not consulted.
	require.NoError(t, store.Put(ctx, &Entity{EntityID: "Unknown", Status: StatusBlocked}))

	for _, receiver := range []string{"", "Unknown"} {
		store.lookups = nil
		hit, err := g.Check(ctx, "ACC_1001", receiver)
		require.NoError(t, err)
		assert.Nil(t, hit)
		assert.Equal(t, []string{"ACC_1001"}, store.lookups)
	}
}

func TestCheck_ClearParties(t *testing.T) {
	g, _ := newGate(t)
	hit, err := g.Check(context.Background(), "ACC_1001", "ACC_2002")
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestCheck_StoreFailureFailsClosed(t *testing.T) {
	g, store := newGate(t)
	store.SetUnavailable(errors.New("connection reset"))

	hit, err := g.Check(context.Background(), "ACC_1001", "ACC_2002")
	assert.Error(t, err)
	assert.Nil(t, hit)
}

func TestBlock_OverwritesAndDefaults(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()

	first, err := g.Block(ctx, BlockRequest{EntityID: " ACC_7 ", Reason: "first"})
	require.NoError(t, err)
	assert.Equal(t, "ACC_7", first.EntityID)
	assert.Equal(t, TypeSender, first.Type)
	assert.Equal(t, SourceManual, first.Source)
	assert.Equal(t, StatusBlocked, first.Status)

	_, err = g.Block(ctx, BlockRequest{EntityID: "ACC_7", Reason: "second", Source: SourcePatternDetector})
	require.NoError(t, err)

	all, err := g.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "second", all[0].Reason)
	assert.Equal(t, SourcePatternDetector, all[0].Source)
}

func TestBlock_RequiresID(t *testing.T) {
	g, _ := newGate(t)
	_, err := g.Block(context.Background(), BlockRequest{EntityID: "  "})
	assert.ErrorIs(t, err, ErrInvalidEntity)
}

func TestBlock_FiresCallback(t *testing.T) {
	g, _ := newGate(t)
	var got *Entity
	g.WithOnBlock(func(e *Entity) { got = e })

	_, err := g.Block(context.Background(), BlockRequest{EntityID: "ACC_9"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ACC_9", got.EntityID)
}

func TestBlock_RecordsSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	g, _ := newGate(t)
	_, err := g.Block(context.Background(), BlockRequest{EntityID: " MULE_7 ", Type: TypeReceiver})
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "blocklist.Block", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("entity.id", "MULE_7"))
}

func TestUnblock(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	_, err := g.Block(ctx, BlockRequest{EntityID: "ACC_9"})
	require.NoError(t, err)

	require.NoError(t, g.Unblock(ctx, "ACC_9"))
	assert.ErrorIs(t, g.Unblock(ctx, "ACC_9"), ErrNotFound)

	hit, err := g.Check(ctx, "ACC_9", "")
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestHitReasoning(t *testing.T) {
	sender := &Hit{Side: SideSender, Entity: &Entity{EntityID: "X", Reason: "known fraudster"}}
	text := sender.Reasoning("Delhi")
	assert.Contains(t, text, "(SENDER)")
	assert.Contains(t, text, "known fraudster")
	assert.Contains(t, text, "Delhi")
	assert.Contains(t, text, "sender is in the global blocklist")

	receiver := &Hit{Side: SideReceiver, Entity: &Entity{EntityID: "Y", Location: "Pune"}}
	text = receiver.Reasoning("")
	assert.Contains(t, text, "(RECEIVER)")
	assert.Contains(t, text, "Blocked Receiver ID: Y")
	assert.Contains(t, text, "Pune")
	assert.Contains(t, text, "unspecified")
}

package order_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tournevent/labelflow/internal/order"
	"github.com/tournevent/labelflow/pkg/shipper"
)

func seed(t *testing.T, s *order.MemoryStore, o *order.Order) {
	t.Helper()
	require.NoError(t, s.Save(context.Background(), o))
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := order.NewMemoryStore()
	seed(t, s, &order.Order{ID: 1, Status: order.StatusProcessing, Meta: map[string]string{"a": "1"}})

	o, err := s.Get(context.Background(), 1)
	require.NoError(t, err)
	o.Meta["a"] = "changed"

	again, err := s.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "1", again.GetMeta("a"))
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	s := order.NewMemoryStore()
	_, err := s.Get(context.Background(), 9)
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestMemoryStore_AddMetaIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := order.NewMemoryStore()
	seed(t, s, &order.Order{ID: 1})

	ok, err := s.AddMetaIfAbsent(ctx, 1, order.MetaGeneratingReturnLabel, "yes")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AddMetaIfAbsent(ctx, 1, order.MetaGeneratingReturnLabel, "yes")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_FindByMetaMatchesAnyKey(t *testing.T) {
	ctx := context.Background()
	s := order.NewMemoryStore()
	seed(t, s, &order.Order{ID: 1, Meta: map[string]string{order.MetaOutboundTrackingNumber: "T1"}})
	seed(t, s, &order.Order{ID: 2, Meta: map[string]string{order.MetaInboundTrackingNumber: "T1"}})
	seed(t, s, &order.Order{ID: 3, Meta: map[string]string{order.MetaInboundTrackingNumber: "T2"}})

	found, err := s.FindByMeta(ctx, "T1", order.MetaOutboundTrackingNumber, order.MetaInboundTrackingNumber)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, int64(1), found[0].ID)
	assert.Equal(t, int64(2), found[1].ID)
}

func TestMemoryStore_FindForLabels(t *testing.T) {
	ctx := context.Background()
	s := order.NewMemoryStore()
	base := time.Now().Add(-time.Hour)
	for i := int64(1); i <= 4; i++ {
		seed(t, s, &order.Order{ID: i, Status: order.StatusProcessing, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	seed(t, s, &order.Order{ID: 5, Status: order.StatusShipped, CreatedAt: base})
	seed(t, s, &order.Order{ID: 6, Status: order.StatusProcessing, CreatedAt: time.Now()})

	found, err := s.FindForLabels(ctx, order.LabelQuery{
		CreatedBefore: time.Now().Add(-20 * time.Minute),
		Exclude:       []int64{2},
		Limit:         2,
	})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, int64(1), found[0].ID)
	assert.Equal(t, int64(3), found[1].ID)
}

func TestMemoryStore_UpdateStatusRecordsHistory(t *testing.T) {
	ctx := context.Background()
	s := order.NewMemoryStore()
	seed(t, s, &order.Order{ID: 1, Status: order.StatusShipped})

	require.NoError(t, s.UpdateStatus(ctx, 1, order.StatusCompleted, order.StatusOptions{SuppressEmail: true}))
	require.NoError(t, s.UpdateStatus(ctx, 1, order.StatusCompleted, order.StatusOptions{}))

	o, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, o.Status)
	require.Len(t, o.History, 1)
	assert.True(t, o.History[0].SuppressEmail)
	assert.Equal(t, order.StatusShipped, o.History[0].From)
}

func TestMemoryStore_RefundLifecycle(t *testing.T) {
	ctx := context.Background()
	s := order.NewMemoryStore()
	seed(t, s, &order.Order{ID: 1, Total: 5000, Items: []order.Item{{ProductID: 7, Quantity: 2}}})

	require.NoError(t, s.AppendScheduledRefund(ctx, 1, order.ScheduledRefund{
		RefundID: "r1", Amount: 3000, Items: []order.RefundItem{{ProductID: 7, Quantity: 1}},
	}))
	require.NoError(t, s.RestockRefundedItems(ctx, 1, "r1"))
	require.NoError(t, s.MarkRefundProcessed(ctx, 1, "r1", "re_1"))
	require.NoError(t, s.MarkRefundProcessed(ctx, 1, "r1", "re_1"))

	o, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), o.RefundedTotal)
	assert.Equal(t, int64(2000), o.Remaining())
	assert.Equal(t, 1, o.Items[0].Restocked)
	assert.Empty(t, o.PendingRefunds())

	assert.ErrorIs(t, s.MarkRefundProcessed(ctx, 1, "missing", ""), order.ErrRefundNotFound)
}

func TestOrder_ReturnableItemCount(t *testing.T) {
	o := &order.Order{Items: []order.Item{
		{Quantity: 2, ShippingClass: "rental"},
		{Quantity: 1, ShippingClass: "accessory"},
	}}

	assert.Equal(t, 3, o.ReturnableItemCount(nil))
	assert.Equal(t, 2, o.ReturnableItemCount([]string{"Rental"}))

	o.Meta = map[string]string{order.MetaConverted: order.FlagYes}
	assert.Equal(t, 0, o.ReturnableItemCount(nil))
}

func TestOrder_Flags(t *testing.T) {
	o := &order.Order{Meta: map[string]string{
		order.MetaOutboundLabelGenerated: order.FlagYes,
		order.MetaInboundLabelGenerated:  order.FlagNo,
	}}

	assert.Equal(t, order.FlagSet, o.Flag(order.MetaOutboundLabelGenerated))
	assert.Equal(t, order.FlagCleared, o.Flag(order.MetaInboundLabelGenerated))
	assert.Equal(t, order.FlagUnset, o.Flag(order.MetaMergedLabelGenerated))
	assert.True(t, o.LabelGenerated(shipper.LegOutbound))
	assert.False(t, o.LabelGenerated(shipper.LegInbound))
}

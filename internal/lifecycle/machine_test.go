package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/internal/inbound"
	"github.com/tournevent/labelflow/internal/lifecycle"
	"github.com/tournevent/labelflow/internal/mailer"
	"github.com/tournevent/labelflow/internal/options"
	"github.com/tournevent/labelflow/internal/order"
	"github.com/tournevent/labelflow/internal/scheduler"
	"github.com/tournevent/labelflow/pkg/shipper"
	"github.com/tournevent/labelflow/pkg/shipper/mock"
	"github.com/tournevent/labelflow/pkg/tracking"
)

type fakeFees struct {
	mu        sync.Mutex
	scheduled []int64
	refunded  []int64
	refundErr error
}

func (f *fakeFees) ScheduleCharges(_ context.Context, o *order.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, o.ID)
	return nil
}

func (f *fakeFees) ProcessScheduledRefunds(_ context.Context, o *order.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded = append(f.refunded, o.ID)
	return f.refundErr
}

type fixture struct {
	orders  *order.MemoryStore
	sched   *scheduler.MemoryScheduler
	fees    *fakeFees
	usps    *mock.Client
	fedex   *mock.Client
	mail    *mailer.MemorySender
	machine *lifecycle.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		orders: order.NewMemoryStore(),
		sched:  scheduler.NewMemoryScheduler(),
		fees:   &fakeFees{},
		usps:   mock.New(shipper.CarrierUSPS),
		fedex:  mock.New(shipper.CarrierFedEx),
		mail:   mailer.NewMemorySender(),
	}
	opts := options.NewMemoryStore()
	require.NoError(t, options.SaveSettings(context.Background(), opts, &options.Settings{MergedLabelEmail: "labels@example.com"}))

	reg := shipper.NewRegistry()
	reg.Register(f.usps)
	reg.RegisterTracker(f.fedex)
	logger := otelzap.New(zap.NewNop())
	f.machine = lifecycle.New(f.orders, f.sched, reg, inbound.NewPoller(reg, logger), f.fees, f.mail, opts, logger, nil)
	return f
}

func shippedOrder(id int64) *order.Order {
	return &order.Order{
		ID:     id,
		Status: order.StatusShipped,
		Meta: map[string]string{
			order.MetaOutboundLabelGenerated: order.FlagYes,
			order.MetaInboundLabelGenerated:  order.FlagYes,
			order.MetaOutboundTrackingNumber: "OUT1",
			order.MetaInboundTrackingNumber:  "IN1",
			order.MetaCarrierPartner:         shipper.CarrierShippo,
		},
	}
}

func (f *fixture) save(t *testing.T, o *order.Order) {
	t.Helper()
	require.NoError(t, f.orders.Save(context.Background(), o))
}

func (f *fixture) get(t *testing.T, id int64) *order.Order {
	t.Helper()
	o, err := f.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func aggregatorArgs(number, status string) scheduler.Args {
	return scheduler.Args{scheduler.ArgTrackingNumber: number, scheduler.ArgStatus: status}
}

func aggregatorEvent(event, number, status string) lifecycle.AggregatorEvent {
	var ev lifecycle.AggregatorEvent
	ev.Event = event
	ev.Data.TrackingNumber = number
	ev.Data.TrackingStatus.Status = status
	return ev
}

func TestHandleAggregatorWebhook_DefersUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	accepted, err := f.machine.HandleAggregatorWebhook(ctx, aggregatorEvent("track_updated", "OUT1", "DELIVERED"))
	require.NoError(t, err)
	assert.True(t, accepted)
	_, err = f.machine.HandleAggregatorWebhook(ctx, aggregatorEvent("track_updated", "OUT1", "DELIVERED"))
	require.NoError(t, err)

	pending := f.sched.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, scheduler.ActionAsyncTrackingUpdate, pending[0].Name)
	assert.Equal(t, aggregatorArgs("OUT1", "DELIVERED"), pending[0].Args)
	assert.WithinDuration(t, time.Now().Add(lifecycle.AsyncUpdateDelay), pending[0].At, time.Second)
}

func TestHandleAggregatorWebhook_IgnoresOtherEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, ev := range []lifecycle.AggregatorEvent{
		aggregatorEvent("transaction_created", "OUT1", "DELIVERED"),
		aggregatorEvent("track_updated", "", "DELIVERED"),
		aggregatorEvent("track_updated", "OUT1", ""),
	} {
		accepted, err := f.machine.HandleAggregatorWebhook(ctx, ev)
		require.NoError(t, err)
		assert.False(t, accepted)
	}
	assert.Empty(t, f.sched.Pending())
}

func TestOutboundDelivered_ArmsCharges(t *testing.T) {
	f := newFixture(t)
	f.save(t, shippedOrder(1))
	ctx := context.Background()

	require.NoError(t, f.machine.ProcessAggregatorUpdate(ctx, aggregatorArgs("OUT1", "DELIVERED")))

	o := f.get(t, 1)
	assert.Equal(t, order.StatusAwaitingReturns, o.Status)
	assert.Equal(t, string(tracking.Delivered), o.TrackingState(shipper.LegOutbound))
	assert.Equal(t, []int64{1}, f.fees.scheduled)

	at, ok, err := f.sched.NextScheduled(ctx, scheduler.ActionConfirmInbound, scheduler.OrderArgs(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(lifecycle.ConfirmInboundDelay), at, time.Minute)
}

func TestOutboundDelivered_DuplicateIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.save(t, shippedOrder(1))
	ctx := context.Background()

	require.NoError(t, f.machine.ProcessAggregatorUpdate(ctx, aggregatorArgs("OUT1", "DELIVERED")))
	require.NoError(t, f.machine.ProcessAggregatorUpdate(ctx, aggregatorArgs("OUT1", "DELIVERED")))

	assert.Len(t, f.fees.scheduled, 1)
	assert.Len(t, f.get(t, 1).History, 1)
}

func TestOutboundDelivered_Completes(t *testing.T) {
	tests := []struct {
		name   string
		modify func(o *order.Order)
	}{
		{
			name:   "no return label",
			modify: func(o *order.Order) { delete(o.Meta, order.MetaInboundLabelGenerated) },
		},
		{
			name:   "converted",
			modify: func(o *order.Order) { o.Meta[order.MetaConverted] = order.FlagYes },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			o := shippedOrder(1)
			tt.modify(o)
			f.save(t, o)

			require.NoError(t, f.machine.ProcessAggregatorUpdate(context.Background(), aggregatorArgs("OUT1", "DELIVERED")))

			o = f.get(t, 1)
			assert.Equal(t, order.StatusCompleted, o.Status)
			require.NotEmpty(t, o.History)
			assert.True(t, o.History[len(o.History)-1].SuppressEmail)
			assert.Empty(t, f.fees.scheduled)
		})
	}
}

func TestOutboundPreTransit_SetsTimeOnce(t *testing.T) {
	f := newFixture(t)
	o := shippedOrder(1)
	o.Meta[order.MetaPreTransitTime] = "1700000000"
	f.save(t, o)

	require.NoError(t, f.machine.ProcessAggregatorUpdate(context.Background(), aggregatorArgs("OUT1", "PRE_TRANSIT")))

	o = f.get(t, 1)
	assert.Equal(t, "1700000000", o.GetMeta(order.MetaPreTransitTime))
	assert.Equal(t, string(tracking.PreTransit), o.TrackingState(shipper.LegOutbound))
	assert.Equal(t, order.StatusShipped, o.Status)
}

func TestInboundTransit_ProcessesRefunds(t *testing.T) {
	f := newFixture(t)
	o := shippedOrder(1)
	o.Status = order.StatusAwaitingReturns
	o.ScheduledRefunds = []order.ScheduledRefund{{RefundID: "r1", Amount: 1000}}
	f.save(t, o)
	f.save(t, shippedOrder(2))
	ctx := context.Background()

	require.NoError(t, f.machine.ProcessAggregatorUpdate(ctx, aggregatorArgs("IN1", "TRANSIT")))

	assert.Len(t, f.fees.refunded, 0, "ambiguous number must be ignored")

	f2 := newFixture(t)
	f2.save(t, o)
	require.NoError(t, f2.machine.ProcessAggregatorUpdate(ctx, aggregatorArgs("IN1", "TRANSIT")))

	got := f2.get(t, 1)
	assert.Equal(t, order.StatusReturnedInTransit, got.Status)
	assert.Equal(t, string(tracking.Transit), got.TrackingState(shipper.LegInbound))
	assert.Empty(t, got.TrackingState(shipper.LegOutbound))
	assert.Equal(t, []int64{1}, f2.fees.refunded)
}

func TestInboundTransit_RefundFailureAddsNote(t *testing.T) {
	f := newFixture(t)
	f.fees.refundErr = errors.New("no raised refunds found")
	o := shippedOrder(1)
	o.ScheduledRefunds = []order.ScheduledRefund{{RefundID: "r1", Amount: 1000}}
	f.save(t, o)

	require.NoError(t, f.machine.ProcessAggregatorUpdate(context.Background(), aggregatorArgs("IN1", "TRANSIT")))

	o = f.get(t, 1)
	require.Len(t, o.Notes, 1)
	assert.Equal(t, "no raised refunds found", o.Notes[0].Text)
}

func TestInboundTransit_WithoutRefunds(t *testing.T) {
	f := newFixture(t)
	f.save(t, shippedOrder(1))

	require.NoError(t, f.machine.ProcessAggregatorUpdate(context.Background(), aggregatorArgs("IN1", "TRANSIT")))

	assert.Equal(t, order.StatusReturnedInTransit, f.get(t, 1).Status)
	assert.Empty(t, f.fees.refunded)
}

func TestDeliveredLeg_IgnoresLateEvents(t *testing.T) {
	t.Run("inbound", func(t *testing.T) {
		f := newFixture(t)
		o := shippedOrder(1)
		o.ScheduledRefunds = []order.ScheduledRefund{{RefundID: "r1", Amount: 1000}}
		f.save(t, o)
		ctx := context.Background()

		require.NoError(t, f.machine.ProcessAggregatorUpdate(ctx, aggregatorArgs("IN1", "DELIVERED")))
		require.Equal(t, order.StatusCompleted, f.get(t, 1).Status)
		require.NoError(t, f.machine.ProcessAggregatorUpdate(ctx, aggregatorArgs("IN1", "TRANSIT")))

		o = f.get(t, 1)
		assert.Equal(t, order.StatusCompleted, o.Status)
		assert.Equal(t, string(tracking.Delivered), o.TrackingState(shipper.LegInbound))
		assert.Empty(t, f.fees.refunded)
	})

	t.Run("outbound", func(t *testing.T) {
		f := newFixture(t)
		f.save(t, shippedOrder(1))
		ctx := context.Background()

		require.NoError(t, f.machine.ProcessAggregatorUpdate(ctx, aggregatorArgs("OUT1", "DELIVERED")))
		require.NoError(t, f.orders.UpdateStatus(ctx, 1, order.StatusCompleted, order.StatusOptions{}))
		require.NoError(t, f.machine.ProcessAggregatorUpdate(ctx, aggregatorArgs("OUT1", "TRANSIT")))
		require.NoError(t, f.machine.ProcessAggregatorUpdate(ctx, aggregatorArgs("OUT1", "DELIVERED")))

		o := f.get(t, 1)
		assert.Equal(t, order.StatusCompleted, o.Status)
		assert.Equal(t, string(tracking.Delivered), o.TrackingState(shipper.LegOutbound))
		assert.Equal(t, []int64{1}, f.fees.scheduled)
	})
}

func TestHandleMultiCarrierEvent(t *testing.T) {
	f := newFixture(t)
	o := &order.Order{ID: 1, Status: order.StatusAwaitingReturns, Meta: map[string]string{
		order.MetaEasyPostTrackingID: "trk_1",
		order.MetaEasyPostShipmentID: "shp_1",
	}}
	f.save(t, o)
	ctx := context.Background()

	var ev lifecycle.MultiCarrierEvent
	ev.Description = lifecycle.EventTrackerUpdated
	ev.Result.ID = "trk_1"
	ev.Result.Status = "out_for_delivery"
	require.NoError(t, f.machine.HandleMultiCarrierEvent(ctx, ev))
	assert.Equal(t, order.StatusReturnedInTransit, f.get(t, 1).Status)

	ev.Result.Status = "delivered"
	require.NoError(t, f.machine.HandleMultiCarrierEvent(ctx, ev))
	assert.Equal(t, order.StatusCompleted, f.get(t, 1).Status)

	var refund lifecycle.MultiCarrierEvent
	refund.Description = lifecycle.EventRefundSuccessful
	refund.Result.ShipmentID = "shp_1"
	refund.Result.Status = "refunded"
	require.NoError(t, f.machine.HandleMultiCarrierEvent(ctx, refund))
	assert.Equal(t, "refunded", f.get(t, 1).GetMeta(order.MetaRefundStatusInbound))
}

func TestHandleMultiCarrierEvent_ConvertedIgnored(t *testing.T) {
	f := newFixture(t)
	f.save(t, &order.Order{ID: 1, Status: order.StatusCompleted, Meta: map[string]string{
		order.MetaEasyPostTrackingID: "trk_1",
		order.MetaConverted:          order.FlagYes,
	}})

	var ev lifecycle.MultiCarrierEvent
	ev.Description = lifecycle.EventTrackerUpdated
	ev.Result.ID = "trk_1"
	ev.Result.Status = "in_transit"
	require.NoError(t, f.machine.HandleMultiCarrierEvent(context.Background(), ev))

	o := f.get(t, 1)
	assert.Equal(t, order.StatusCompleted, o.Status)
	assert.Empty(t, o.TrackingState(shipper.LegInbound))
}

func TestHandlePostalEvent(t *testing.T) {
	f := newFixture(t)
	f.save(t, &order.Order{ID: 1, Status: order.StatusAwaitingReturns, Meta: map[string]string{order.MetaUSPSTrackingID: "9205"}})

	ev := lifecycle.PostalEvent{Payload: `{"TrackInfo":{"ID":"9205","TrackSummary":{"EventCode":"01"}}}`}
	require.NoError(t, f.machine.HandlePostalEvent(context.Background(), ev))

	o := f.get(t, 1)
	assert.Equal(t, order.StatusCompleted, o.Status)
	assert.Equal(t, string(tracking.Delivered), o.TrackingState(shipper.LegInbound))

	assert.Error(t, f.machine.HandlePostalEvent(context.Background(), lifecycle.PostalEvent{Payload: "{"}))
}

func TestHandlePostalEvent_IgnoresIncompletePayloads(t *testing.T) {
	f := newFixture(t)
	f.save(t, &order.Order{ID: 1, Status: order.StatusAwaitingReturns, Meta: map[string]string{order.MetaUSPSTrackingID: "9205"}})

	for _, payload := range []string{
		`{"TrackInfo":{"ID":"9205","TrackSummary":{"EventCode":""}}}`,
		`{"TrackInfo":{"ID":"","TrackSummary":{"EventCode":"01"}}}`,
		`{}`,
	} {
		require.NoError(t, f.machine.HandlePostalEvent(context.Background(), lifecycle.PostalEvent{Payload: payload}))
	}

	o := f.get(t, 1)
	assert.Equal(t, order.StatusAwaitingReturns, o.Status)
	assert.Empty(t, o.TrackingState(shipper.LegInbound))
}

func TestConfirmInboundStatus(t *testing.T) {
	f := newFixture(t)
	f.usps.OnPollTracking = func(ctx context.Context, ref shipper.TrackingRef) (*shipper.RawStatus, error) {
		return &shipper.RawStatus{Carrier: shipper.CarrierUSPS, Status: "03"}, nil
	}
	f.save(t, &order.Order{ID: 1, Status: order.StatusAwaitingReturns, Meta: map[string]string{order.MetaUSPSTrackingID: "9205"}})
	f.save(t, &order.Order{ID: 2, Status: order.StatusShipped})
	ctx := context.Background()

	require.NoError(t, f.machine.ConfirmInboundStatus(ctx, 1))
	assert.Equal(t, order.StatusReturnedInTransit, f.get(t, 1).Status)

	require.NoError(t, f.machine.ConfirmInboundStatus(ctx, 2))
	assert.Equal(t, order.StatusShipped, f.get(t, 2).Status)
}

func TestCheckTrackingUpdates_FedEx(t *testing.T) {
	f := newFixture(t)
	status := "In transit"
	f.fedex.OnPollTracking = func(ctx context.Context, ref shipper.TrackingRef) (*shipper.RawStatus, error) {
		return &shipper.RawStatus{Carrier: shipper.CarrierFedEx, Status: status}, nil
	}
	o := shippedOrder(1)
	o.Meta[order.MetaOutboundCarrierToken] = "FedEx"
	f.save(t, o)
	ctx := context.Background()

	require.NoError(t, f.machine.CheckTrackingUpdates(ctx, 1))

	assert.Equal(t, string(tracking.Transit), f.get(t, 1).TrackingState(shipper.LegOutbound))
	assert.Equal(t, "OUT1", f.fedex.PollCalls()[0].Number)
	at, ok, err := f.sched.NextScheduled(ctx, scheduler.ActionCheckTrackingUpdates, scheduler.OrderArgs(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(lifecycle.FedExRecheckDelay), at, time.Minute)

	_, err = f.sched.Cancel(ctx, scheduler.ActionCheckTrackingUpdates, scheduler.OrderArgs(1))
	require.NoError(t, err)
	status = "Delivered"
	require.NoError(t, f.machine.CheckTrackingUpdates(ctx, 1))

	assert.Equal(t, order.StatusAwaitingReturns, f.get(t, 1).Status)
	_, ok, err = f.sched.NextScheduled(ctx, scheduler.ActionCheckTrackingUpdates, scheduler.OrderArgs(1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckTrackingUpdates_RetriesAfterPollFailure(t *testing.T) {
	f := newFixture(t)
	f.fedex.OnPollTracking = func(ctx context.Context, ref shipper.TrackingRef) (*shipper.RawStatus, error) {
		return nil, errors.New("fedex unavailable")
	}
	o := shippedOrder(1)
	o.Meta[order.MetaOutboundCarrierToken] = "fedex"
	f.save(t, o)
	ctx := context.Background()

	require.NoError(t, f.machine.CheckTrackingUpdates(ctx, 1))

	assert.Empty(t, f.get(t, 1).TrackingState(shipper.LegOutbound))
	at, ok, err := f.sched.NextScheduled(ctx, scheduler.ActionCheckTrackingUpdates, scheduler.OrderArgs(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(lifecycle.FedExRecheckDelay), at, time.Minute)
}

func TestCheckTrackingUpdates_SkipsOtherCarriers(t *testing.T) {
	f := newFixture(t)
	o := shippedOrder(1)
	o.Meta[order.MetaOutboundCarrierToken] = "usps"
	f.save(t, o)

	require.NoError(t, f.machine.CheckTrackingUpdates(context.Background(), 1))

	assert.Empty(t, f.fedex.PollCalls())
}

func TestDeliveryFailedNotification(t *testing.T) {
	f := newFixture(t)
	f.save(t, shippedOrder(1))
	done := shippedOrder(2)
	done.Status = order.StatusAwaitingReturns
	f.save(t, done)
	ctx := context.Background()

	require.NoError(t, f.machine.DeliveryFailedNotification(ctx, 1))
	require.NoError(t, f.machine.DeliveryFailedNotification(ctx, 2))

	sent := f.mail.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"labels@example.com"}, sent[0].To)
	assert.Equal(t, "Delivery Failed", sent[0].Subject)
	assert.Contains(t, sent[0].HTML, "order number 1 ")
}

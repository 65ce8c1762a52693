package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/internal/jobs"
	"github.com/tournevent/labelflow/internal/scheduler"
)

type call struct {
	name    string
	orderID int64
	args    scheduler.Args
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]error
}

func (r *recorder) record(name string, id int64, args scheduler.Args) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{name: name, orderID: id, args: args})
	return r.fail[name]
}

func (r *recorder) ProcessAggregatorUpdate(_ context.Context, args scheduler.Args) error {
	return r.record("async", 0, args)
}

func (r *recorder) ConfirmInboundStatus(_ context.Context, id int64) error {
	return r.record("confirm", id, nil)
}

func (r *recorder) CheckTrackingUpdates(_ context.Context, id int64) error {
	return r.record("check", id, nil)
}

func (r *recorder) DeliveryFailedNotification(_ context.Context, id int64) error {
	return r.record("delivery_failed", id, nil)
}

func (r *recorder) SendReminder(_ context.Context, id int64) error {
	return r.record("reminder", id, nil)
}

func (r *recorder) ChargeNonReturnFee(_ context.Context, args scheduler.Args) error {
	return r.record("charge", 0, args)
}

func (r *recorder) RemoveLabel(_ context.Context, id int64, file string) error {
	return r.record("remove", id, scheduler.Args{scheduler.ArgFile: file})
}

func newRouter() (*jobs.Router, *recorder) {
	rec := &recorder{fail: map[string]error{}}
	return jobs.NewRouter(rec, rec, rec), rec
}

func TestRouter_Execute(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		action string
		args   scheduler.Args
		want   call
	}{
		{scheduler.ActionConfirmInbound, scheduler.OrderArgs(7), call{name: "confirm", orderID: 7}},
		{scheduler.ActionCheckTrackingUpdates, scheduler.OrderArgs(7), call{name: "check", orderID: 7}},
		{scheduler.ActionDeliveryFailed, scheduler.OrderArgs(7), call{name: "delivery_failed", orderID: 7}},
		{scheduler.ActionReminderMail, scheduler.OrderArgs(7), call{name: "reminder", orderID: 7}},
		{
			scheduler.ActionChargeFee,
			scheduler.OrderArgs(7).With(scheduler.ArgKeyMode, "test"),
			call{name: "charge", args: scheduler.OrderArgs(7).With(scheduler.ArgKeyMode, "test")},
		},
		{
			scheduler.ActionAsyncTrackingUpdate,
			scheduler.Args{scheduler.ArgTrackingNumber: "TRK1", scheduler.ArgStatus: "DELIVERED"},
			call{name: "async", args: scheduler.Args{scheduler.ArgTrackingNumber: "TRK1", scheduler.ArgStatus: "DELIVERED"}},
		},
		{
			scheduler.ActionRemoveLabel,
			scheduler.OrderArgs(7).With(scheduler.ArgFile, "7.pdf"),
			call{name: "remove", orderID: 7, args: scheduler.Args{scheduler.ArgFile: "7.pdf"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			router, rec := newRouter()
			require.NoError(t, router.Execute(ctx, scheduler.Action{Name: tt.action, Args: tt.args}))
			require.Len(t, rec.calls, 1)
			assert.Equal(t, tt.want, rec.calls[0])
		})
	}
}

func TestRouter_Errors(t *testing.T) {
	ctx := context.Background()
	router, rec := newRouter()

	err := router.Execute(ctx, scheduler.Action{Name: "nope"})
	assert.ErrorIs(t, err, jobs.ErrUnknownAction)

	err = router.Execute(ctx, scheduler.Action{Name: scheduler.ActionReminderMail, Args: scheduler.Args{}})
	assert.Error(t, err)

	err = router.Execute(ctx, scheduler.Action{Name: scheduler.ActionRemoveLabel, Args: scheduler.OrderArgs(1)})
	assert.Error(t, err)
	assert.Empty(t, rec.calls)
}

func TestWorker_RunOnce(t *testing.T) {
	ctx := context.Background()
	sched := scheduler.NewMemoryScheduler()
	router, rec := newRouter()
	rec.fail["check"] = errors.New("carrier down")

	past := time.Now().Add(-time.Minute)
	okID, err := sched.ScheduleAt(ctx, past, scheduler.ActionReminderMail, scheduler.OrderArgs(1))
	require.NoError(t, err)
	failID, err := sched.ScheduleAt(ctx, past, scheduler.ActionCheckTrackingUpdates, scheduler.OrderArgs(2))
	require.NoError(t, err)
	_, err = sched.ScheduleAt(ctx, time.Now().Add(time.Hour), scheduler.ActionChargeFee, scheduler.OrderArgs(3))
	require.NoError(t, err)

	w := jobs.NewWorker(sched, router, otelzap.New(zap.NewNop()), nil, time.Second, 1)
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, rec.calls, 2)

	last, err := sched.Last(ctx, scheduler.ActionReminderMail, scheduler.OrderArgs(1))
	require.NoError(t, err)
	assert.Equal(t, okID, last.ID)
	assert.Equal(t, scheduler.StateComplete, last.State)

	last, err = sched.Last(ctx, scheduler.ActionCheckTrackingUpdates, scheduler.OrderArgs(2))
	require.NoError(t, err)
	assert.Equal(t, failID, last.ID)
	assert.Equal(t, scheduler.StateFailed, last.State)
	assert.Equal(t, "carrier down", last.Error)

	pending := sched.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, scheduler.ActionChargeFee, pending[0].Name)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	router, _ := newRouter()
	w := jobs.NewWorker(scheduler.NewMemoryScheduler(), router, otelzap.New(zap.NewNop()), nil, 10*time.Millisecond, 0)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

// fakeReader serves msgs then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestKafkaDispatcher_KeysByOrder(t *testing.T) {
	w := &fakeWriter{}
	pub := jobs.NewKafkaDispatcher(w)
	action := scheduler.Action{ID: "a1", Name: scheduler.ActionReminderMail, Args: scheduler.OrderArgs(42)}

	require.NoError(t, pub.Execute(context.Background(), action))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "42", string(w.msgs[0].Key))

	var got scheduler.Action
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, action.Name, got.Name)
	assert.Equal(t, action.Args, got.Args)

	w.err = errors.New("broker unavailable")
	assert.Error(t, pub.Execute(context.Background(), action))
}

func TestKafkaConsumer_ExecutesAndCommits(t *testing.T) {
	router, rec := newRouter()
	rec.fail["confirm"] = errors.New("poll failed")

	encode := func(a scheduler.Action) []byte {
		b, err := json.Marshal(a)
		require.NoError(t, err)
		return b
	}
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: encode(scheduler.Action{Name: scheduler.ActionReminderMail, Args: scheduler.OrderArgs(5)})},
		{Offset: 2, Value: []byte("{not json")},
		{Offset: 3, Value: encode(scheduler.Action{Name: scheduler.ActionConfirmInbound, Args: scheduler.OrderArgs(6)})},
	}}
	consumer := jobs.NewKafkaConsumer(reader, router, otelzap.New(zap.NewNop()), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return len(reader.committed) == 3
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, reader.committed)
	assert.True(t, reader.closed)
	require.Len(t, rec.calls, 2)
	assert.Equal(t, "reminder", rec.calls[0].name)
	assert.Equal(t, int64(6), rec.calls[1].orderID)
}

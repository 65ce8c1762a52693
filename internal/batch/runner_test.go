package batch_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/internal/batch"
	"github.com/tournevent/labelflow/internal/documents"
	"github.com/tournevent/labelflow/internal/labels"
	"github.com/tournevent/labelflow/internal/mailer"
	"github.com/tournevent/labelflow/internal/options"
	"github.com/tournevent/labelflow/internal/order"
)

// fakeGenerator stores an outbound label and ships the order unless the
// order is listed in fail.
type fakeGenerator struct {
	orders *order.MemoryStore
	docs   *documents.MemoryStore
	fail   map[int64]labels.Kind
	calls  []int64
}

func (g *fakeGenerator) GenerateLabels(ctx context.Context, id int64) (*labels.Result, error) {
	g.calls = append(g.calls, id)
	if kind, ok := g.fail[id]; ok {
		return nil, &labels.Error{Kind: kind, OrderID: id, Message: "failed"}
	}
	if err := g.docs.Put(ctx, labels.OutboundFile(id), []byte(fmt.Sprintf("[%d]", id))); err != nil {
		return nil, err
	}
	if err := g.orders.UpdateStatus(ctx, id, order.StatusShipped, order.StatusOptions{}); err != nil {
		return nil, err
	}
	return &labels.Result{OrderID: id, Status: string(order.StatusShipped)}, nil
}

type fixture struct {
	orders *order.MemoryStore
	docs   *documents.MemoryStore
	opts   *options.MemoryStore
	mail   *mailer.MemorySender
	gen    *fakeGenerator
	signer *batch.Signer
	runner *batch.Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		orders: order.NewMemoryStore(),
		docs:   documents.NewMemoryStore(),
		opts:   options.NewMemoryStore(),
		mail:   mailer.NewMemorySender(),
		signer: batch.NewSigner("s3cret"),
	}
	f.gen = &fakeGenerator{orders: f.orders, docs: f.docs, fail: map[int64]labels.Kind{}}
	require.NoError(t, options.SaveSettings(context.Background(), f.opts, &options.Settings{
		DefaultPrintingLine: "A",
		MergedLabelEmail:    "labels@example.com",
	}))
	f.runner = batch.NewRunner(f.orders, f.gen, f.docs, f.mail, f.opts, f.signer, otelzap.New(zap.NewNop()), nil)
	return f
}

func (f *fixture) addOrder(t *testing.T, id int64, age time.Duration, meta map[string]string) {
	t.Helper()
	require.NoError(t, f.orders.Save(context.Background(), &order.Order{
		ID:        id,
		Status:    order.StatusProcessing,
		CreatedAt: time.Now().Add(-age),
		Meta:      meta,
	}))
}

func TestRunAll_PartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for id := int64(1); id <= 7; id++ {
		f.addOrder(t, id, time.Duration(10-id)*time.Hour, nil)
	}
	f.addOrder(t, 8, time.Hour, map[string]string{order.MetaExchange: order.FlagYes, order.MetaPrintingLine: "B"})
	f.gen.fail[3] = labels.KindCarrier
	f.gen.fail[5] = labels.KindMerge

	summary, err := f.runner.RunAll(ctx)
	require.NoError(t, err)

	assert.ElementsMatch(t, []int64{1, 2, 4, 6, 7, 8}, summary.Successful)
	assert.Equal(t, []int64{3}, summary.Failed)
	assert.Equal(t, []int64{5}, summary.MergeFailed)
	assert.Equal(t, map[string]string{
		"No-Exchange-A": "No-Exchange-A.pdf",
		"Exchange-B":    "Exchange-B.pdf",
	}, summary.Files)

	merged, ok := f.docs.Get("No-Exchange-A.pdf")
	require.True(t, ok)
	assert.Equal(t, "[1][2][4][6][7]", string(merged))
	assert.False(t, f.docs.Exists("batch-trial.pdf"))

	sent := f.mail.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"labels@example.com"}, sent[0].To)
	assert.Equal(t, "Please find the labels in the email attachment", sent[0].Subject)
	assert.Contains(t, sent[0].HTML, "Label generation failed for following orders:<br>3")
	assert.Contains(t, sent[0].HTML, "<br>Label merging failed for following orders:<br>5")
	assert.Contains(t, sent[0].HTML, "<a href='https://labels.test/Exchange-B.pdf?time=")
	assert.Len(t, sent[0].Attachments, 2)

	// Each order is attempted once across all pages.
	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, f.gen.calls)
}

func TestRunPage_SignsNextPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOrder(t, 1, time.Hour, nil)

	res, err := f.runner.RunPage(ctx, 0)
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Equal(t, []int64{1}, res.Generated)
	assert.Equal(t, 1, res.NextPage)
	assert.True(t, f.signer.Verify(1, res.NextSignature))

	res, err = f.runner.RunPage(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, []int64{1}, res.Summary.Successful)

	sent := f.mail.Sent()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0].HTML, "Label generation for all the orders were successful"))
}

func TestRunPage_SkipsRecentOrders(t *testing.T) {
	f := newFixture(t)
	f.addOrder(t, 1, 5*time.Minute, nil)

	summary, err := f.runner.RunAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Successful)
	assert.Empty(t, f.gen.calls)
	assert.Empty(t, f.mail.Sent())
}

func TestRunPage_TrialMergeEvictsOrder(t *testing.T) {
	f := newFixture(t)
	f.addOrder(t, 1, 2*time.Hour, nil)
	f.addOrder(t, 2, time.Hour, nil)
	f.docs.FailMerge = func(out string, inputs []string) error {
		for _, in := range inputs {
			if in == labels.OutboundFile(2) {
				return errors.New("corrupt pdf")
			}
		}
		return nil
	}

	summary, err := f.runner.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, summary.Successful)
	assert.Equal(t, []int64{2}, summary.MergeFailed)

	merged, ok := f.docs.Get("No-Exchange-A.pdf")
	require.True(t, ok)
	assert.Equal(t, "[1]", string(merged))
}

func TestRunPage_LaterPageNeedsCheckpoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.RunPage(context.Background(), 3)
	assert.ErrorIs(t, err, batch.ErrNoCheckpoint)
}

func TestRunPage_RequiresPrintingLine(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, options.SaveSettings(context.Background(), f.opts, &options.Settings{}))
	_, err := f.runner.RunPage(context.Background(), 0)
	assert.ErrorIs(t, err, batch.ErrNoPrintingLine)
}

func TestRunAll_ListsLostPackages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addOrder(t, 1, time.Hour, nil)
	require.NoError(t, f.opts.Set(ctx, options.KeyLostPackages, "9400111\n9400222", 0))

	_, err := f.runner.RunAll(ctx)
	require.NoError(t, err)
	sent := f.mail.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].HTML, "<br>Lost Outbound packages:<br>9400111<br>9400222")
}

func TestSigner(t *testing.T) {
	s := batch.NewSigner("s3cret")
	sig := s.Sign(4)
	assert.Len(t, sig, 64)
	assert.True(t, s.Verify(4, sig))
	assert.False(t, s.Verify(5, sig))
	assert.False(t, s.Verify(4, ""))
	assert.False(t, batch.NewSigner("").Verify(4, batch.NewSigner("").Sign(4)))
}

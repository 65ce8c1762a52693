// Package batch generates labels for every waiting order, a few orders per
// page, and mails the merged label files per printing group.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tournevent/labelflow/internal/documents"
	"github.com/tournevent/labelflow/internal/labels"
	"github.com/tournevent/labelflow/internal/mailer"
	"github.com/tournevent/labelflow/internal/options"
	"github.com/tournevent/labelflow/internal/order"
	"github.com/tournevent/labelflow/internal/telemetry"
)

// Batch paging.
const (
	PageSize   = 5
	CutoffSkew = 20 * time.Minute
)

const (
	trialFile      = "batch-trial.pdf"
	summarySubject = "Please find the labels in the email attachment"
	maxPages       = 10000
)

// ErrNoPrintingLine is returned when no default printing line is configured.
var ErrNoPrintingLine = errors.New("default printing line not set")

// LabelGenerator buys the labels of one order.
type LabelGenerator interface {
	GenerateLabels(ctx context.Context, orderID int64) (*labels.Result, error)
}

// PageResult is the outcome of one batch page.
type PageResult struct {
	Page      int     `json:"page"`
	Generated []int64 `json:"generated"`
	Failed    []int64 `json:"failed"`
	// Done is set once the run is finalized and the summary mailed.
	Done          bool     `json:"done"`
	NextPage      int      `json:"next_page,omitempty"`
	NextSignature string   `json:"next_signature,omitempty"`
	Summary       *Summary `json:"summary,omitempty"`
}

// Summary is the final report of a run.
type Summary struct {
	Successful  []int64           `json:"successful"`
	Failed      []int64           `json:"failed"`
	MergeFailed []int64           `json:"merge_failed"`
	Files       map[string]string `json:"files"`
}

// Runner runs the label batch.
type Runner struct {
	orders     order.Store
	labels     LabelGenerator
	docs       documents.Store
	mail       mailer.Sender
	opts       options.Store
	checkpoint *Checkpoint
	signer     *Signer
	logger     *otelzap.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(
	orders order.Store,
	gen LabelGenerator,
	docs documents.Store,
	mail mailer.Sender,
	opts options.Store,
	signer *Signer,
	logger *otelzap.Logger,
	metrics *telemetry.Metrics,
) *Runner {
	return &Runner{
		orders:     orders,
		labels:     gen,
		docs:       docs,
		mail:       mail,
		opts:       opts,
		checkpoint: NewCheckpoint(opts),
		signer:     signer,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// RunPage processes one page of waiting orders. Page 0 starts a new run.
// When orders were found the next page is signed and returned; a page that
// finds none finalizes the run.
func (r *Runner) RunPage(ctx context.Context, page int) (*PageResult, error) {
	settings, err := options.LoadSettings(ctx, r.opts)
	if err != nil {
		return nil, err
	}
	if settings.DefaultPrintingLine == "" {
		return nil, ErrNoPrintingLine
	}

	var state *State
	if page == 0 {
		if err := r.checkpoint.Reset(ctx); err != nil {
			return nil, err
		}
		state = &State{Cutoff: r.now().Add(-CutoffSkew), Groups: make(map[string][]string)}
	} else if state, err = r.checkpoint.Load(ctx); err != nil {
		return nil, err
	}

	found, err := r.orders.FindForLabels(ctx, order.LabelQuery{
		CreatedBefore: state.Cutoff,
		Exclude:       state.excluded(),
		Limit:         PageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("finding orders: %w", err)
	}

	res := &PageResult{Page: page}
	if len(found) == 0 {
		summary, err := r.finalize(ctx, state, settings)
		if err != nil {
			return nil, err
		}
		res.Done = true
		res.Summary = summary
		return res, nil
	}

	for _, o := range found {
		if r.process(ctx, state, settings, o.ID) {
			res.Generated = append(res.Generated, o.ID)
		} else {
			res.Failed = append(res.Failed, o.ID)
		}
	}

	if err := r.checkpoint.Save(ctx, state); err != nil {
		return nil, err
	}
	res.NextPage = page + 1
	res.NextSignature = r.signer.Sign(res.NextPage)
	return res, nil
}

// RunAll runs every page in-process and returns the final summary.
func (r *Runner) RunAll(ctx context.Context) (*Summary, error) {
	for page := 0; page < maxPages; page++ {
		res, err := r.RunPage(ctx, page)
		if err != nil {
			return nil, err
		}
		if res.Done {
			return res.Summary, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("batch did not finish after %d pages", maxPages)
}

// process generates the labels of one order and adds its print file to its
// group. It reports whether the order's labels were generated and grouped.
func (r *Runner) process(ctx context.Context, state *State, settings *options.Settings, orderID int64) bool {
	logger := r.logger.Ctx(ctx)
	if _, err := r.labels.GenerateLabels(ctx, orderID); err != nil {
		logger.Warn("Batch label generation failed", zap.Int64("order_id", orderID), zap.Error(err))
		if labels.KindOf(err) == labels.KindMerge {
			state.MergeFailed = append(state.MergeFailed, orderID)
			r.metrics.RecordBatchOrder("merge_failed")
		} else {
			state.Failed = append(state.Failed, orderID)
			r.metrics.RecordBatchOrder("failed")
		}
		return false
	}
	state.Successful = append(state.Successful, orderID)

	o, err := r.orders.Get(ctx, orderID)
	if err != nil {
		logger.Warn("Unable to reload order", zap.Int64("order_id", orderID), zap.Error(err))
		state.Failed = append(state.Failed, orderID)
		r.metrics.RecordBatchOrder("failed")
		return false
	}

	group := GroupName(o, settings)
	files := append(append([]string(nil), state.Groups[group]...), labels.PrintFile(o))
	if err := r.docs.Merge(ctx, trialFile, files); err != nil {
		logger.Warn("Label does not merge into its group",
			zap.Int64("order_id", orderID),
			zap.String("group", group),
			zap.Error(err),
		)
		state.MergeFailed = append(state.MergeFailed, orderID)
		r.metrics.RecordBatchOrder("merge_failed")
		return false
	}
	if err := r.docs.Delete(ctx, trialFile); err != nil {
		logger.Debug("Unable to delete trial merge", zap.Error(err))
	}
	state.Groups[group] = files
	r.metrics.RecordBatchOrder("success")
	return true
}

// GroupName is the print group of an order: its exchange type and printing line.
func GroupName(o *order.Order, settings *options.Settings) string {
	kind := "No-Exchange"
	if o.IsExchange() {
		kind = "Exchange"
	}
	line := o.GetMeta(order.MetaPrintingLine)
	if line == "" {
		line = settings.DefaultPrintingLine
	}
	return kind + "-" + line
}

// finalize merges every group into one file, mails the summary and clears
// the checkpoint.
func (r *Runner) finalize(ctx context.Context, state *State, settings *options.Settings) (*Summary, error) {
	summary := &Summary{
		Successful:  state.Successful,
		Failed:      state.Failed,
		MergeFailed: state.MergeFailed,
		Files:       make(map[string]string),
	}
	if state.empty() {
		r.logger.Ctx(ctx).Info("No orders were present during the time of label generation")
		return summary, r.checkpoint.Reset(ctx)
	}

	names := make([]string, 0, len(state.Groups))
	for name := range state.Groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			file := name + ".pdf"
			if err := r.docs.Merge(gctx, file, state.Groups[name]); err != nil {
				r.logger.Ctx(ctx).Error("Group merge failed", zap.String("group", name), zap.Error(err))
				return nil
			}
			mu.Lock()
			summary.Files[name] = file
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	msg := mailer.Message{
		To:      []string{settings.MergedLabelEmail},
		Subject: summarySubject,
		HTML:    r.summaryHTML(ctx, summary, names),
	}
	for _, name := range names {
		if file, ok := summary.Files[name]; ok {
			msg.Attachments = append(msg.Attachments, mailer.Attachment{Name: file, Path: r.docs.Path(file)})
		}
	}
	if err := r.mail.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("sending batch summary: %w", err)
	}
	return summary, r.checkpoint.Reset(ctx)
}

func (r *Runner) summaryHTML(ctx context.Context, summary *Summary, names []string) string {
	var b strings.Builder
	if len(summary.Failed) == 0 && len(summary.MergeFailed) == 0 {
		b.WriteString("Label generation for all the orders were successful")
	}
	if len(summary.Failed) > 0 {
		b.WriteString("Label generation failed for following orders:<br>" + joinIDs(summary.Failed))
	}
	if len(summary.MergeFailed) > 0 {
		b.WriteString("<br>Label merging failed for following orders:<br>" + joinIDs(summary.MergeFailed))
	}
	if lost := r.lostPackages(ctx); len(lost) > 0 {
		b.WriteString("<br>Lost Outbound packages:<br>" + strings.Join(lost, "<br>"))
	}

	var links []string
	stamp := r.now().Unix()
	for _, name := range names {
		if file, ok := summary.Files[name]; ok {
			links = append(links, fmt.Sprintf("<a href='%s?time=%d'>%s</a>", r.docs.URL(file), stamp, name))
		}
	}
	if len(links) > 0 {
		b.WriteString("<br><br> Please find the labels via the following link:<br>" + strings.Join(links, "<br>"))
	}
	return b.String()
}

// lostPackages reads the newline or comma separated lost package list.
func (r *Runner) lostPackages(ctx context.Context) []string {
	raw, err := r.opts.Get(ctx, options.KeyLostPackages)
	if err != nil {
		return nil
	}
	var out []string
	for _, f := range strings.FieldsFunc(raw, func(c rune) bool { return c == '\n' || c == ',' }) {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, "<br>")
}

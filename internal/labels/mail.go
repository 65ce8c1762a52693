package labels

import (
	"context"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/internal/documents"
	"github.com/tournevent/labelflow/internal/mailer"
	"github.com/tournevent/labelflow/internal/options"
	"github.com/tournevent/labelflow/internal/order"
)

// ReturnLabelMailer mails the stored return label to the customer.
type ReturnLabelMailer struct {
	orders order.Store
	docs   documents.Store
	mail   mailer.Sender
	opts   options.Store
	logger *otelzap.Logger
}

// NewReturnLabelMailer creates a ReturnLabelMailer.
func NewReturnLabelMailer(orders order.Store, docs documents.Store, mail mailer.Sender, opts options.Store, logger *otelzap.Logger) *ReturnLabelMailer {
	return &ReturnLabelMailer{orders: orders, docs: docs, mail: mail, opts: opts, logger: logger}
}

// Send mails the return label of an order to its billing address using the
// return_label_via_email template.
func (m *ReturnLabelMailer) Send(ctx context.Context, orderID int64) error {
	o, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return loadError(orderID, err)
	}
	file := InboundFile(orderID)
	if !m.docs.Exists(file) {
		return newError(KindNotFound, orderID, "LABEL_NOT_FOUND", "Order Label not found", nil)
	}
	if o.Billing.Email == "" {
		return newError(KindPrecondition, orderID, "NO_EMAIL", "The order has no billing email", nil)
	}
	settings, err := options.LoadSettings(ctx, m.opts)
	if err != nil {
		return newError(KindConfig, orderID, "SETTINGS", "Unable to read the label settings", err)
	}
	tpl := settings.Template(options.TemplateReturnLabelViaEmail)
	if tpl.Subject == "" && tpl.Body == "" {
		return newError(KindConfig, orderID, "TEMPLATE_NOT_SET", "The return label email is not configured", nil)
	}

	vars := mailer.OrderVars(o)
	err = m.mail.Send(ctx, mailer.Message{
		To:          []string{o.Billing.Email},
		Subject:     mailer.Render(tpl.Subject, vars),
		HTML:        mailer.Render(tpl.Body, vars),
		Attachments: []mailer.Attachment{{Name: file, Path: m.docs.Path(file)}},
	})
	if err != nil {
		return newError(KindStorage, orderID, "MAIL_FAILED", "Unable to send the email", err)
	}
	m.logger.Ctx(ctx).Info("Return label mailed", zap.Int64("order_id", orderID))
	return nil
}

package mailer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tournevent/labelflow/internal/order"
)

// Placeholders understood by mail templates.
const (
	PlaceholderFirstName    = "%customer_first_name%"
	PlaceholderLastName     = "%customer_last_name%"
	PlaceholderEmail        = "%customer_email%"
	PlaceholderOrderID      = "%customer_order_id%"
	PlaceholderNewReturn    = "%new_return_date%"
	PlaceholderDaysExtended = "%days_extended_by%"
)

// Vars maps placeholders to values.
type Vars map[string]string

// OrderVars returns the customer placeholders of o.
func OrderVars(o *order.Order) Vars {
	id := o.Number
	if id == "" {
		id = strconv.FormatInt(o.ID, 10)
	}
	return Vars{
		PlaceholderFirstName: o.Billing.FirstName,
		PlaceholderLastName:  o.Billing.LastName,
		PlaceholderEmail:     o.Billing.Email,
		PlaceholderOrderID:   id,
	}
}

// With returns a copy of v with the extension placeholders set.
func (v Vars) With(newReturnDate time.Time, daysExtended int) Vars {
	out := make(Vars, len(v)+2)
	for k, val := range v {
		out[k] = val
	}
	out[PlaceholderNewReturn] = FormatDate(newReturnDate)
	out[PlaceholderDaysExtended] = strconv.Itoa(daysExtended)
	return out
}

// Render substitutes placeholders in s.
func Render(s string, vars Vars) string {
	if len(vars) == 0 {
		return s
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, k, v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// FormatDate formats a date like "5th March 2025".
func FormatDate(t time.Time) string {
	return fmt.Sprintf("%d%s %s %d", t.Day(), ordinal(t.Day()), t.Month(), t.Year())
}

func ordinal(day int) string {
	if day >= 11 && day <= 13 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	default:
		return "th"
	}
}

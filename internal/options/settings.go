package options

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tournevent/labelflow/pkg/shipper"
)

// Option keys.
const (
	KeySettings     = "settings"
	KeyLostPackages = "lost_packages"
)

// Template names.
const (
	TemplateReminder             = "reminder"
	TemplateReturnFeeCharged     = "return_fee_charged"
	TemplatePartialFeeCharged    = "partial_return_fee_charged"
	TemplateOrderConverted       = "order_converted"
	TemplateReturnPeriodExtended = "return_period_extended"
	TemplateReturnLabelViaEmail  = "return_label_via_email"
)

// Defaults applied to unset settings.
const (
	DefaultReminderEmailDays  = 30
	DefaultChargeFeeDays      = 45
	DefaultExtendReturnDays   = 30
	DefaultLabelRetentionDays = 100
	DefaultReturnFeeCents     = 2500
)

// Template is a mail subject and HTML body with placeholders.
type Template struct {
	Subject string `yaml:"subject" json:"subject"`
	Body    string `yaml:"body" json:"body"`
}

// Address is the store's return address.
type Address struct {
	Name       string `yaml:"name" json:"name"`
	Company    string `yaml:"company" json:"company"`
	Street1    string `yaml:"street1" json:"street1"`
	Street2    string `yaml:"street2" json:"street2"`
	City       string `yaml:"city" json:"city"`
	State      string `yaml:"state" json:"state"`
	PostalCode string `yaml:"zip" json:"zip"`
	Country    string `yaml:"country" json:"country"`
	Phone      string `yaml:"phone" json:"phone"`
	Email      string `yaml:"email" json:"email"`
}

// Shipper converts the address for carrier requests.
func (a Address) Shipper() shipper.Address {
	return shipper.Address{
		Name: a.Name, Company: a.Company, Street1: a.Street1, Street2: a.Street2,
		City: a.City, State: a.State, PostalCode: a.PostalCode, Country: a.Country,
		Phone: a.Phone, Email: a.Email,
	}
}

// Parcel is the default box. ReturnWeight replaces Weight on return labels.
type Parcel struct {
	Length       float64 `yaml:"length" json:"length"`
	Width        float64 `yaml:"width" json:"width"`
	Height       float64 `yaml:"height" json:"height"`
	Weight       float64 `yaml:"weight" json:"weight"`
	ReturnWeight float64 `yaml:"return_weight" json:"return_weight"`
}

// For returns the parcel used for a label leg.
func (p Parcel) For(leg shipper.Leg) shipper.Parcel {
	out := shipper.Parcel{Length: p.Length, Width: p.Width, Height: p.Height, Weight: p.Weight}
	if leg == shipper.LegInbound && p.ReturnWeight > 0 {
		out.Weight = p.ReturnWeight
	}
	return out
}

// Settings are the business options edited by shop staff.
type Settings struct {
	// DefaultPartner is the carrier used for return labels: shippo, easypost or usps.
	DefaultPartner string `yaml:"default_partner" json:"default_partner"`
	// OutboundPartner buys the outbound label. It defaults to shippo.
	OutboundPartner string   `yaml:"outbound_partner" json:"outbound_partner"`
	EligibleClasses []string `yaml:"eligible_shipping_classes" json:"eligible_shipping_classes"`

	ReminderEmailDays  int `yaml:"reminder_email_days" json:"reminder_email_days"`
	ChargeFeeDays      int `yaml:"charge_fee_days" json:"charge_fee_days"`
	ExtendReturnDays   int `yaml:"extend_return_days" json:"extend_return_days"`
	LabelRetentionDays int `yaml:"label_retention_days" json:"label_retention_days"`

	ReturnFeeCents int64 `yaml:"return_fee_cents" json:"return_fee_cents"`
	// Partial and conversion fees have no default; charging without them fails.
	PartialReturnFeeCents int64 `yaml:"partial_return_fee_cents" json:"partial_return_fee_cents"`
	ConversionFeeCents    int64 `yaml:"conversion_fee_cents" json:"conversion_fee_cents"`

	DefaultPrintingLine string `yaml:"default_printing_line" json:"default_printing_line"`
	MergedLabelEmail    string `yaml:"merged_label_email" json:"merged_label_email"`
	OpsEmail            string `yaml:"ops_email" json:"ops_email"`
	SenderName          string `yaml:"sender_name" json:"sender_name"`
	SenderEmail         string `yaml:"sender_email" json:"sender_email"`

	StoreAddress Address             `yaml:"store_address" json:"store_address"`
	Parcel       Parcel              `yaml:"parcel" json:"parcel"`
	Templates    map[string]Template `yaml:"templates" json:"templates"`
}

func (s *Settings) applyDefaults() {
	if s.ReminderEmailDays <= 0 {
		s.ReminderEmailDays = DefaultReminderEmailDays
	}
	if s.ChargeFeeDays <= 0 {
		s.ChargeFeeDays = DefaultChargeFeeDays
	}
	if s.ExtendReturnDays <= 0 {
		s.ExtendReturnDays = DefaultExtendReturnDays
	}
	if s.LabelRetentionDays <= 0 {
		s.LabelRetentionDays = DefaultLabelRetentionDays
	}
	if s.ReturnFeeCents <= 0 {
		s.ReturnFeeCents = DefaultReturnFeeCents
	}
	if s.DefaultPartner == "" {
		s.DefaultPartner = shipper.CarrierShippo
	}
	if s.OutboundPartner == "" {
		s.OutboundPartner = shipper.CarrierShippo
	}
}

// Days converts a day count setting to a duration.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// Template returns the named template, or the zero Template.
func (s *Settings) Template(name string) Template {
	return s.Templates[name]
}

// LoadSettings reads the settings document, applying defaults to unset values.
// A missing document yields the defaults.
func LoadSettings(ctx context.Context, store Store) (*Settings, error) {
	var s Settings
	raw, err := store.Get(ctx, KeySettings)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("loading settings: %w", err)
	default:
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decoding settings: %w", err)
		}
	}
	s.applyDefaults()
	return &s, nil
}

// SaveSettings writes the settings document.
func SaveSettings(ctx context.Context, store Store, s *Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	return store.Set(ctx, KeySettings, string(raw), 0)
}

// Seed is the YAML file loaded by the seed-options command.
type Seed struct {
	Settings     Settings `yaml:"settings"`
	LostPackages string   `yaml:"lost_packages"`
}

// LoadSeedFile parses a YAML seed file.
func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}
	return &seed, nil
}

// Apply writes the seed into store.
func (s *Seed) Apply(ctx context.Context, store Store) error {
	if err := SaveSettings(ctx, store, &s.Settings); err != nil {
		return err
	}
	if s.LostPackages != "" {
		if err := store.Set(ctx, KeyLostPackages, s.LostPackages, 0); err != nil {
			return err
		}
	}
	return nil
}

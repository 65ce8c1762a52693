package order

import "github.com/tournevent/labelflow/pkg/shipper"

// FlagState is the tri-state of a generation flag.
type FlagState int

const (
	FlagUnset FlagState = iota
	FlagSet
	FlagCleared
)

// Stored flag values.
const (
	FlagYes = "yes"
	FlagNo  = "no"
)

// Label flags.
const (
	MetaOutboundLabelGenerated = "outbound_label_generated"
	MetaInboundLabelGenerated  = "inbound_label_generated"
	MetaMergedLabelGenerated   = "merged_label_generated"
	MetaGeneratingReturnLabel  = "generating_return_label"
	MetaLabelsDeleted          = "labels_deleted"
)

// Aggregator shipment fields. The aggregator buys both legs, so each has its own set.
const (
	MetaOutboundTrackingNumber = "shippo_outbound_tracking_number"
	MetaOutboundTrackingURL    = "shippo_outbound_tracking_url"
	MetaOutboundTransactionID  = "shippo_outbound_transaction_id"
	MetaOutboundLabelURL       = "shippo_outbound_label_url"
	MetaOutboundCarrierToken   = "shippo_outbound_carrier_token"
	MetaOutboundTrackingStatus = "shippo_outbound_tracking_status"

	MetaInboundTrackingNumber = "shippo_inbound_tracking_number"
	MetaInboundTrackingURL    = "shippo_inbound_tracking_url"
	MetaInboundTransactionID  = "shippo_inbound_transaction_id"
	MetaInboundLabelURL       = "shippo_inbound_label_url"
	MetaInboundCarrierToken   = "shippo_inbound_carrier_token"
	MetaInboundTrackingStatus = "shippo_inbound_tracking_status"
)

// Multi-carrier and postal return fields.
const (
	MetaEasyPostTrackingID     = "easypost_tracking_id"
	MetaEasyPostTrackingNumber = "easypost_tracking_number"
	MetaEasyPostShipmentID     = "easypost_shipment_id"
	MetaEasyPostCarrier        = "easypost_carrier"
	MetaRefundStatusInbound    = "refund_status_inbound"

	MetaUSPSTrackingID = "usps_tracking_id"
	MetaUSPSRouting    = "usps_routing_number"
)

// Return routing.
const (
	MetaCarrierPartner = "carrier_partner"
	MetaReturnPartner  = "return_partner"
	MetaExchange       = "is_exchange"
	MetaConverted      = "exchange_converted"
	MetaPrintingLine   = "printing_line"
	MetaPreTransitTime = "pre_transit_time"
)

// Fee and return window fields.
const (
	MetaReturnableQty        = "returnable_qty"
	MetaNonReturnFee         = "non_return_fee_amount"
	MetaPaymentTestMode      = "payment_test_mode"
	MetaReturnBy             = "return_by"
	MetaReturnByCT           = "return_by_ct"
	MetaExtensionCount       = "return_period_extension_count"
	MetaFeeChargeID          = "non_return_fee_charge_id"
	MetaFeeRefundID          = "non_return_fee_refund_id"
	MetaPartialFeeCharged    = "partial_return_fee_charged"
	MetaPartialFeeChargeID   = "partial_return_fee_charge_id"
	MetaConversionFeeCharged = "conversion_fee_charged"
	MetaStripeCustomerID     = "stripe_customer_id"
	MetaPaymentMethodID      = "default_payment_method"
)

// LabelFlagKey returns the generation flag key of a leg.
func LabelFlagKey(leg shipper.Leg) string {
	if leg == shipper.LegInbound {
		return MetaInboundLabelGenerated
	}
	return MetaOutboundLabelGenerated
}

// TrackingStatusKey returns the stored tracking status key of a leg.
func TrackingStatusKey(leg shipper.Leg) string {
	if leg == shipper.LegInbound {
		return MetaInboundTrackingStatus
	}
	return MetaOutboundTrackingStatus
}

// TrackingNumberKey returns the aggregator tracking number key of a leg.
func TrackingNumberKey(leg shipper.Leg) string {
	if leg == shipper.LegInbound {
		return MetaInboundTrackingNumber
	}
	return MetaOutboundTrackingNumber
}

// LabelMetaKeys lists every key written while generating labels.
// Resetting an order clears them all.
var LabelMetaKeys = []string{
	MetaOutboundLabelGenerated, MetaInboundLabelGenerated, MetaMergedLabelGenerated,
	MetaGeneratingReturnLabel, MetaLabelsDeleted,
	MetaOutboundTrackingNumber, MetaOutboundTrackingURL, MetaOutboundTransactionID,
	MetaOutboundLabelURL, MetaOutboundCarrierToken, MetaOutboundTrackingStatus,
	MetaInboundTrackingNumber, MetaInboundTrackingURL, MetaInboundTransactionID,
	MetaInboundLabelURL, MetaInboundCarrierToken, MetaInboundTrackingStatus,
	MetaEasyPostTrackingID, MetaEasyPostTrackingNumber, MetaEasyPostShipmentID, MetaEasyPostCarrier,
	MetaUSPSTrackingID, MetaUSPSRouting,
	MetaCarrierPartner, MetaPreTransitTime,
}

package ragicsync

import (
	"cloud.google.com/go/bigquery"
)

// FieldType is the closed type vocabulary of destination columns.
type FieldType string

// Destination column types.
const (
	TypeString    FieldType = "STRING"
	TypeInteger   FieldType = "INTEGER"
	TypeFloat     FieldType = "FLOAT"
	TypeBoolean   FieldType = "BOOLEAN"
	TypeDate      FieldType = "DATE"
	TypeTimestamp FieldType = "TIMESTAMP"
)

// Field is one named, typed destination column.
type Field struct {
	Name string
	Type FieldType
}

// Schema is the ordered column list of a destination table.
type Schema []Field

// Types returns a name → type lookup for the schema.
func (s Schema) Types() map[string]FieldType {
	m := make(map[string]FieldType, len(s))
	for _, f := range s {
		m[f.Name] = f.Type
	}
	return m
}

// Names returns the column names in schema order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

// Project returns the subset of s whose columns appear in cols, preserving
// schema order. Used to fit a batch to the live destination table before a
// load, so schema drift never fails a job.
func (s Schema) Project(cols []string) Schema {
	keep := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		keep[c] = struct{}{}
	}
	out := make(Schema, 0, len(s))
	for _, f := range s {
		if _, ok := keep[f.Name]; ok {
			out = append(out, f)
		}
	}
	return out
}

// RawShadows returns the canonical → shadow column pairs: every date or
// timestamp column that has a sibling "<name>_raw" STRING column retains the
// original source string there.
func (s Schema) RawShadows() map[string]string {
	types := s.Types()
	pairs := map[string]string{}
	for _, f := range s {
		if f.Type != TypeDate && f.Type != TypeTimestamp {
			continue
		}
		raw := f.Name + "_raw"
		if t, ok := types[raw]; ok && t == TypeString {
			pairs[f.Name] = raw
		}
	}
	return pairs
}

// ToBigQuery converts the schema to the BigQuery client representation.
func (s Schema) ToBigQuery() bigquery.Schema {
	bq := make(bigquery.Schema, len(s))
	for i, f := range s {
		bq[i] = &bigquery.FieldSchema{
			Name: f.Name,
			Type: bigquery.FieldType(f.Type),
		}
	}
	return bq
}

// KeyColumn is the business key every upsert is reconciled on.
const KeyColumn = "ragic_id"

// SourceTableColumn tags every row with the sheet it came from.
const SourceTableColumn = "source_table_id"

// OrderColumn is the modification timestamp used to pick the newest row when
// the same key appears twice in one batch, and to derive the watermark.
const OrderColumn = "last_modified_at"

// DefaultSchema is the canonical analytic schema shared by all sheets. Columns
// a given sheet never produces stay NULL; columns the destination table does
// not carry are projected away before load.
var DefaultSchema = Schema{
	{SourceTableColumn, TypeString},
	{KeyColumn, TypeString},

	{"status", TypeString},
	{"export_status", TypeString},

	{"brand_name", TypeString},
	{"brand_id", TypeString},

	{"channel_name", TypeString},
	{"channel_id", TypeString},
	{"sales_model", TypeString},
	{"payment_receiver", TypeString},
	{"channel_type", TypeString},

	{"payment_method_name", TypeString},
	{"payment_method_id", TypeString},
	{"payment_type", TypeString},
	{"commission_rate", TypeFloat},

	{"logistics_name", TypeString},
	{"logistics_id", TypeString},
	{"logistics_provider", TypeString},
	{"logistics_order_id", TypeString},
	{"temperature_layer", TypeString},
	{"shipping_point", TypeString},
	{"pickup_point", TypeString},
	{"shipping_fee", TypeFloat},
	{"shipping_fee_income", TypeFloat},
	{"shipping_fee_payment_method", TypeString},

	{"platform_order_id", TypeString},
	{"order_id", TypeString},
	{"order_date", TypeDate},
	{"order_msrp", TypeFloat},
	{"order_regular_price", TypeFloat},
	{"gross_revenue", TypeFloat},
	{"net_revenue", TypeFloat},
	{"order_notes", TypeString},

	{"recipient_name", TypeString},
	{"recipient_phone", TypeString},
	{"postal_code", TypeString},
	{"city", TypeString},
	{"district", TypeString},
	{"shipping_address", TypeString},

	{"is_invoice_issued", TypeBoolean},
	{"is_invoice_donated", TypeBoolean},
	{"invoice_donation_code", TypeString},
	{"invoice_carrier_type", TypeString},
	{"invoice_carrier_id", TypeString},
	{"invoice_recipient", TypeString},
	{"tax_id", TypeString},
	{"tax_type", TypeString},

	{"cash_on_delivery_amount", TypeFloat},
	{"requested_delivery_date", TypeDate},
	{"requested_delivery_date_raw", TypeString},
	{"requested_delivery_time", TypeString},

	{"customer_name", TypeString},
	{"customer_id", TypeString},
	{"mobile_phone", TypeString},
	{"phone_number", TypeString},
	{"email", TypeString},
	{"birthday", TypeDate},
	{"birthday_raw", TypeString},
	{"birth_year", TypeInteger},
	{"zodiac_sign", TypeString},
	{"buyer_identity", TypeString},
	{"full_address", TypeString},
	{"customer_notes", TypeString},

	{"product_name", TypeString},
	{"product_id", TypeString},
	{"product_spec_official", TypeString},
	{"product_content", TypeString},
	{"description", TypeString},
	{"product_msrp", TypeFloat},
	{"product_regular_price", TypeFloat},
	{"quantity", TypeInteger},
	{"product_msrp_subtotal", TypeFloat},
	{"product_regular_price_subtotal", TypeFloat},
	{"product_structure", TypeString},
	{"product_series", TypeString},

	{"contract_start_date", TypeDate},
	{"contract_end_date", TypeDate},
	{"sender_name", TypeString},
	{"sender_phone", TypeString},
	{"sender_address", TypeString},

	{"created_at", TypeTimestamp},
	{"created_at_raw", TypeString},
	{"created_by", TypeString},
	{OrderColumn, TypeTimestamp},
	{OrderColumn + "_raw", TypeString},
	{"last_modified_by", TypeString},
	{"payment_update_executed_at", TypeTimestamp},
	{"payment_update_executed_at_raw", TypeString},
}

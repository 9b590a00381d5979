package ragicsync

// Static field maps, the first and always-available mapping layer. Keys are
// the localized field names the source emits; values are canonical schema
// columns. Derived from the sheet templates; operator corrections land in the
// dynamic mapping table and win on conflict.

// coreFieldMap holds the names shared by every sheet.
var coreFieldMap = map[string]string{
	"使用狀態": "status",
	"匯出狀態": "export_status",

	"建檔日期": "created_at",
	"建立日期": "created_at",
	"建檔時間": "created_at",
	"建檔人員": "created_by",
	"建立人員": "created_by",

	"最後修改日期": OrderColumn,
	"最後修改時間": OrderColumn,
	"最後修改人員": "last_modified_by",

	"品牌名稱": "brand_name",
	"品牌編號": "brand_id",

	"通路名稱": "channel_name",
	"通路編號": "channel_id",
	"電銷模式": "sales_model",
	"收款方":  "payment_receiver",
	"通路類型": "channel_type",

	"金流名稱": "payment_method_name",
	"金流編號": "payment_method_id",
	"支付方式": "payment_type",

	"物流名稱": "logistics_name",
	"物流編號": "logistics_id",
	"運費收入": "shipping_fee_income",
	"物流廠商": "logistics_provider",
	"物流溫層": "temperature_layer",

	"訂單編號":   "order_id",
	"訂單成立日期": "order_date",
	"訂單建議售價": "order_msrp",
	"訂單常態售價": "order_regular_price",
	"含運實收":   "gross_revenue",
	"訂單實收":   "net_revenue",

	"客戶名稱":   "customer_name",
	"客戶編號":   "customer_id",
	"E-mail": "email",
	"生日":     "birthday",
	"統一編號":   "tax_id",

	"商品名稱": "product_name",
	"商品編號": "product_id",
	"數量":   "quantity",
	"課稅別":  "tax_type",

	"收件人姓名":  "recipient_name",
	"收件人電話":  "recipient_phone",
	"郵遞區號":   "postal_code",
	"縣市":     "city",
	"鄉鎮市區":   "district",
	"送貨完整地址": "shipping_address",

	// Source system keys.
	"_ragicId":       KeyColumn,
	"_seq":           "seq",
	"_star":          "star",
	"_dataTimestamp": "data_timestamp",
}

// salesSummaryFieldMap covers the wide sales summary sheet (code 99).
var salesSummaryFieldMap = mergeFieldMaps(coreFieldMap, map[string]string{
	"發貨點":    "shipping_point",
	"取貨點":    "pickup_point",
	"運費支付方式": "shipping_fee_payment_method",
	"平台訂單號碼": "platform_order_id",
	"物流訂單編號": "logistics_order_id",
	"訂單備註":   "order_notes",

	"開立發票與否": "is_invoice_issued",
	"發票捐贈":   "is_invoice_donated",
	"發票捐贈代碼": "invoice_donation_code",
	"載具類別":   "invoice_carrier_type",
	"載具編號":   "invoice_carrier_id",
	"發票抬頭":   "invoice_recipient",
	"買受人身份":  "buyer_identity",

	"代收貨款":   "cash_on_delivery_amount",
	"希望到達日":  "requested_delivery_date",
	"希望配達時段": "requested_delivery_time",

	"行動電話":   "mobile_phone",
	"市內電話":   "phone_number",
	"通訊完整地址": "full_address",
	"客戶備註":   "customer_notes",
	"生日年份":   "birth_year",
	"星座":     "zodiac_sign",

	"商品規格_官方標示": "product_spec_official",
	"商品內容":      "product_content",
	"商品建議售價":    "product_msrp",
	"商品常態售價":    "product_regular_price",
	"商品建議售價小計":  "product_msrp_subtotal",
	"商品常態售價小計":  "product_regular_price_subtotal",
	"商品結構":      "product_structure",
	"商品系列":      "product_series",

	"「金流更新」執行時間": "payment_update_executed_at",
})

// staticFieldMaps is the per-sheet static layer, keyed by sheet code.
var staticFieldMaps = map[string]map[string]string{
	"10": mergeFieldMaps(coreFieldMap, map[string]string{
		"合約起始日期": "contract_start_date",
		"合約終止日期": "contract_end_date",
		"內容說明":   "description",
		"寄件人":    "sender_name",
		"寄件人電話":  "sender_phone",
		"寄件人地址":  "sender_address",
	}),
	"20": mergeFieldMaps(coreFieldMap, map[string]string{
		"電話": "phone_number",
		"手機": "mobile_phone",
	}),
	"30": mergeFieldMaps(coreFieldMap, map[string]string{
		"手續費率": "commission_rate",
	}),
	"40": mergeFieldMaps(coreFieldMap, map[string]string{
		"運費":     "shipping_fee",
		"發貨點":    "shipping_point",
		"取貨點":    "pickup_point",
		"運費支付方式": "shipping_fee_payment_method",
	}),
	"41": coreFieldMap,
	"50": mergeFieldMaps(coreFieldMap, map[string]string{
		"平台訂單號碼": "platform_order_id",
	}),
	"60": coreFieldMap,
	"70": mergeFieldMaps(coreFieldMap, map[string]string{
		"商品規格_官方標示": "product_spec_official",
		"商品內容":      "product_content",
		"內容說明":      "description",
		"商品建議售價":    "product_msrp",
		"商品常態售價":    "product_regular_price",
		"商品建議售價小計":  "product_msrp_subtotal",
		"商品常態售價小計":  "product_regular_price_subtotal",
		"商品結構":      "product_structure",
		"商品系列":      "product_series",
	}),
	"99": salesSummaryFieldMap,
}

// StaticFieldMap returns the static mapping layer for a sheet code. Unknown
// codes fall back to the core map so lookup always has a base layer.
func StaticFieldMap(sheetCode string) map[string]string {
	if m, ok := staticFieldMaps[sheetCode]; ok {
		return m
	}
	return coreFieldMap
}

func mergeFieldMaps(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// DefaultSheetMap maps sheet codes to source sheet paths. Overridable through
// configuration; this is the built-in deployment layout.
var DefaultSheetMap = map[string]string{
	"10": "forms8/5",
	"20": "forms8/4",
	"30": "forms8/7",
	"40": "forms8/1",
	"41": "forms8/6",
	"50": "forms8/17",
	"60": "forms8/2",
	"70": "forms8/9",
	"99": "forms8/3",
}

// sheetTimeFields lists, per sheet, the localized field names tried in order
// when looking for a record's last-modified time. Sheet 30 names the field
// differently from the rest; 50 and 99 fall back to the order date.
var sheetTimeFields = map[string][]string{
	"10": {"最後修改日期", "建檔日期"},
	"20": {"最後修改日期", "建檔日期"},
	"30": {"最後修改時間"},
	"40": {"最後修改日期", "建檔日期"},
	"41": {"最後修改日期", "建檔日期"},
	"50": {"最後修改日期", "訂單成立日期", "建立日期"},
	"60": {"最後修改日期", "建檔日期"},
	"70": {"最後修改日期", "建檔日期"},
	"99": {"最後修改日期", "訂單成立日期", "建立日期"},
}

var defaultTimeFields = []string{"最後修改日期", "最後修改時間", "更新時間", "最後更新時間"}

// TimeFieldsForSheet returns the candidate last-modified field names for a
// sheet code, falling back to the generic list for unknown codes.
func TimeFieldsForSheet(sheetCode string) []string {
	if fields, ok := sheetTimeFields[sheetCode]; ok {
		return fields
	}
	return defaultTimeFields
}

// staticSheets have no meaningful modification times; incremental runs skip
// them and they are only synced when selected explicitly.
var staticSheets = map[string]struct{}{
	"41": {},
}

// IsStaticSheet reports whether a sheet is a static lookup table.
func IsStaticSheet(sheetCode string) bool {
	_, ok := staticSheets[sheetCode]
	return ok
}

// largeSheetPageSize boosts the page size for sheets known to be wide and
// busy, keeping page counts reasonable on incremental scans.
var largeSheetPageSize = map[string]int{
	"50": 3000,
	"60": 3000,
	"99": 3000,
}

// PageSizeForSheet returns the page size for a sheet, applying the large-sheet
// boost over the configured default.
func PageSizeForSheet(sheetCode string, def int) int {
	if n, ok := largeSheetPageSize[sheetCode]; ok && n > def {
		return n
	}
	return def
}

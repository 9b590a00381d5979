package ragicsync

import (
	"testing"
)

func TestSchemaProject(t *testing.T) {
	s := Schema{
		{"a", TypeString},
		{"b", TypeFloat},
		{"c", TypeDate},
	}

	got := s.Project([]string{"c", "a", "z"})
	if len(got) != 2 {
		t.Fatalf("projected %d columns, want 2", len(got))
	}
	// Schema order wins over the requested order.
	if got[0].Name != "a" || got[1].Name != "c" {
		t.Errorf("projection = %v", got.Names())
	}
}

func TestSchemaRawShadows(t *testing.T) {
	shadows := DefaultSchema.RawShadows()

	if shadows["birthday"] != "birthday_raw" {
		t.Errorf("birthday shadow = %q, want birthday_raw", shadows["birthday"])
	}
	if shadows[OrderColumn] != OrderColumn+"_raw" {
		t.Errorf("%s shadow = %q", OrderColumn, shadows[OrderColumn])
	}
	if _, ok := shadows["order_date"]; ok {
		t.Error("order_date has no raw column and must not get a shadow")
	}
}

func TestDefaultSchemaTypes(t *testing.T) {
	types := DefaultSchema.Types()

	if types[KeyColumn] != TypeString {
		t.Errorf("%s type = %s, want STRING", KeyColumn, types[KeyColumn])
	}
	if types[OrderColumn] != TypeTimestamp {
		t.Errorf("%s type = %s, want TIMESTAMP", OrderColumn, types[OrderColumn])
	}
	if types["quantity"] != TypeInteger {
		t.Errorf("quantity type = %s, want INTEGER", types["quantity"])
	}
}

package introspect

import (
	"testing"
	"time"
)

func testSnapshot() *Snapshot {
	return &Snapshot{
		CollectedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Tables: []Table{
			{
				Schema:      "public",
				Name:        "orders",
				RowEstimate: 120000,
				Columns: []Column{
					{Name: "id", DataType: "bigint"},
					{Name: "customer_id", DataType: "bigint"},
					{Name: "status", DataType: "text", Nullable: true},
				},
				PrimaryKey: []string{"id"},
				Indexes: []Index{
					{Name: "idx_orders_customer_status", Columns: []string{"customer_id", "status"}},
				},
				ForeignKeys: []ForeignKey{
					{Name: "orders_customer_fk", Columns: []string{"customer_id"}, RefTable: "customers", RefColumns: []string{"id"}},
				},
			},
			{
				Schema: "public",
				Name:   "customers",
				Columns: []Column{
					{Name: "id", DataType: "bigint"},
					{Name: "email", DataType: "text"},
				},
				PrimaryKey: []string{"id"},
			},
		},
	}
}

func TestTableLookupIsCaseInsensitive(t *testing.T) {
	snap := testSnapshot()
	if snap.Table("Orders") == nil {
		t.Fatal("Table(Orders) = nil")
	}
	if snap.Table("missing") != nil {
		t.Fatal("Table(missing) != nil")
	}
	if snap.Table("orders").Column("Customer_ID") == nil {
		t.Fatal("Column(Customer_ID) = nil")
	}
}

func TestHasIndexOnLeadingColumns(t *testing.T) {
	orders := testSnapshot().Table("orders")

	tests := []struct {
		name string
		cols []string
		want bool
	}{
		{"leading column", []string{"customer_id"}, true},
		{"full composite", []string{"customer_id", "status"}, true},
		{"non-leading column", []string{"status"}, false},
		{"wrong order", []string{"status", "customer_id"}, false},
		{"longer than index", []string{"customer_id", "status", "id"}, false},
		{"no columns", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := orders.HasIndexOn(tc.cols...); got != tc.want {
				t.Fatalf("HasIndexOn(%v) = %v, want %v", tc.cols, got, tc.want)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	snap := testSnapshot()
	data, err := snap.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Tables) != 2 {
		t.Fatalf("tables = %d, want 2", len(got.Tables))
	}
	if !got.Table("orders").HasIndexOn("customer_id") {
		t.Fatal("index lost in round trip")
	}
	if got.IndexCount() != 1 {
		t.Fatalf("IndexCount() = %d, want 1", got.IndexCount())
	}
}

func TestTablesWithColumn(t *testing.T) {
	snap := testSnapshot()
	got := snap.TablesWithColumn("id")
	if len(got) != 2 {
		t.Fatalf("TablesWithColumn(id) = %v, want both tables", got)
	}
	got = snap.TablesWithColumn("email")
	if len(got) != 1 || got[0] != "customers" {
		t.Fatalf("TablesWithColumn(email) = %v, want [customers]", got)
	}
}

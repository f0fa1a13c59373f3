package phase

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestFlatInterestTotal(t *testing.T) {
	cases := []struct {
		name      string
		principal string
		rate      string
		term      int
		want      string
	}{
		{"no interest", "12000", "0", 12, "12000"},
		{"negative term passes principal through", "5000", "10", 0, "5000"},
		{"one year at 10 percent", "10000", "10", 12, "11000"},
		{"half year at 10 percent", "10000", "10", 6, "10500"},
		{"rounds to cents", "1000", "7.5", 7, "1043.75"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FlatInterestTotal(dec(tc.principal), dec(tc.rate), tc.term)
			if !got.Equal(dec(tc.want)) {
				t.Fatalf("FlatInterestTotal(%s, %s, %d) = %s, want %s",
					tc.principal, tc.rate, tc.term, got, tc.want)
			}
		})
	}
}

func TestGenerateSchedule_SumsExactly(t *testing.T) {
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		total string
		term  int
	}{
		{"300", 3},
		{"1000", 3},
		{"999.99", 7},
		{"100", 1},
	} {
		entries, err := GenerateSchedule(dec(tc.total), tc.term, start)
		if err != nil {
			t.Fatalf("GenerateSchedule(%s, %d): %v", tc.total, tc.term, err)
		}
		if len(entries) != tc.term {
			t.Fatalf("expected %d entries, got %d", tc.term, len(entries))
		}
		sum := decimal.Zero
		for _, e := range entries {
			sum = sum.Add(e.Amount)
		}
		if !sum.Equal(dec(tc.total)) {
			t.Fatalf("schedule for %s over %d sums to %s", tc.total, tc.term, sum)
		}
	}
}

func TestGenerateSchedule_LastAbsorbsRemainder(t *testing.T) {
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	entries, err := GenerateSchedule(dec("1000"), 3, start)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if !entries[0].Amount.Equal(dec("333.33")) || !entries[1].Amount.Equal(dec("333.33")) {
		t.Fatalf("expected equal 333.33 leading installments, got %s and %s",
			entries[0].Amount, entries[1].Amount)
	}
	if !entries[2].Amount.Equal(dec("333.34")) {
		t.Fatalf("expected last installment 333.34, got %s", entries[2].Amount)
	}
}

func TestGenerateSchedule_MonthlyDueDates(t *testing.T) {
	start := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	entries, err := GenerateSchedule(dec("300"), 3, start)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	for i, e := range entries {
		if e.Seq != i+1 {
			t.Fatalf("entry %d has seq %d", i, e.Seq)
		}
		want := start.AddDate(0, i+1, 0)
		if !e.DueDate.Equal(want) {
			t.Fatalf("entry %d due %s, want %s", i, e.DueDate, want)
		}
	}
}

func TestGenerateSchedule_Validation(t *testing.T) {
	start := time.Now()
	if _, err := GenerateSchedule(dec("100"), 0, start); err == nil {
		t.Fatal("expected error for zero term")
	}
	if _, err := GenerateSchedule(dec("0"), 3, start); err == nil {
		t.Fatal("expected error for zero total")
	}
}

package feed

import (
	"errors"
	"testing"

	"github.com/krobus00/option-feed-service/internal/entity"
)

func testResolver() SymbolKeyResolver {
	return SymbolKeyResolver{Segment: "IDX_FO", Symbol: "A"}
}

func TestComputeWindowSizeAndATM(t *testing.T) {
	cases := []struct {
		spot     float64
		interval float64
		radius   int
		atm      string
	}{
		{spot: 1000, interval: 50, radius: 2, atm: "1000"},
		{spot: 1024.99, interval: 50, radius: 2, atm: "1000"},
		{spot: 1025, interval: 50, radius: 2, atm: "1050"},
		{spot: 1032, interval: 50, radius: 2, atm: "1050"},
		{spot: 24512.35, interval: 100, radius: 10, atm: "24500"},
		{spot: 24550, interval: 100, radius: 0, atm: "24600"},
		{spot: 48123.4, interval: 100, radius: 40, atm: "48100"},
		{spot: 101.3, interval: 2.5, radius: 3, atm: "102.5"},
	}

	for _, tc := range cases {
		set, err := ComputeWindow(tc.spot, tc.interval, tc.radius, "IDX|A", testResolver())
		if err != nil {
			t.Fatalf("spot %v: unexpected error: %v", tc.spot, err)
		}

		want := (2*tc.radius+1)*2 + 1
		if set.Len() != want {
			t.Fatalf("spot %v radius %d: expected %d keys, got %d", tc.spot, tc.radius, want, set.Len())
		}
		if set.ATM().String() != tc.atm {
			t.Fatalf("spot %v: expected ATM %s, got %s", tc.spot, tc.atm, set.ATM())
		}
		if !set.Contains("IDX|A") {
			t.Fatalf("spot %v: underlying missing from set", tc.spot)
		}
	}
}

func TestComputeWindowStrikes(t *testing.T) {
	set, err := ComputeWindow(1000, 50, 2, "IDX|A", testResolver())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"900", "950", "1000", "1050", "1100"}
	strikes := set.Strikes()
	if len(strikes) != len(want) {
		t.Fatalf("expected %d strikes, got %d", len(want), len(strikes))
	}
	for i, strike := range strikes {
		if strike.String() != want[i] {
			t.Fatalf("strike %d: expected %s, got %s", i, want[i], strike)
		}
	}

	for _, key := range []entity.InstrumentKey{"IDX_FO|A900CE", "IDX_FO|A900PE", "IDX_FO|A1100CE", "IDX_FO|A1100PE"} {
		if !set.Contains(key) {
			t.Fatalf("expected %s in set", key)
		}
	}

	contract, ok := set.Contract("IDX_FO|A950PE")
	if !ok || contract.Strike.String() != "950" || contract.Type != entity.OptionTypePut {
		t.Fatalf("unexpected contract for IDX_FO|A950PE: %+v %v", contract, ok)
	}
}

func TestComputeWindowRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name     string
		spot     float64
		interval float64
		radius   int
	}{
		{name: "zero spot", spot: 0, interval: 50, radius: 2},
		{name: "negative spot", spot: -10, interval: 50, radius: 2},
		{name: "zero interval", spot: 1000, interval: 0, radius: 2},
		{name: "negative radius", spot: 1000, interval: 50, radius: -1},
	}

	for _, tc := range cases {
		_, err := ComputeWindow(tc.spot, tc.interval, tc.radius, "IDX|A", testResolver())
		if !errors.Is(err, ErrInvalidWindow) {
			t.Fatalf("%s: expected ErrInvalidWindow, got %v", tc.name, err)
		}
	}
}

func TestSubscriptionSetEqual(t *testing.T) {
	a, _ := ComputeWindow(1000, 50, 2, "IDX|A", testResolver())
	b, _ := ComputeWindow(1010, 50, 2, "IDX|A", testResolver())
	c, _ := ComputeWindow(1040, 50, 2, "IDX|A", testResolver())

	if !a.Equal(b) {
		t.Fatal("sets with the same ATM should be equal")
	}
	if a.Equal(c) {
		t.Fatal("sets with different ATMs should differ")
	}
	if a.Equal(BootstrapSet("IDX|A")) {
		t.Fatal("window should differ from bootstrap set")
	}
}

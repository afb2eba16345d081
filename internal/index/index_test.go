package index

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
)

func TestAntennaNumberMeerKATIncreasing(t *testing.T) {
	prev := -1
	for i := 0; i < SKAOffset; i++ {
		n, err := AntennaNumber(fmt.Sprintf("m%03d", i))
		if err != nil {
			t.Fatalf("m%03d: %v", i, err)
		}
		if n <= prev {
			t.Fatalf("m%03d -> %d not strictly increasing after %d", i, n, prev)
		}
		if n >= SKAOffset {
			t.Fatalf("m%03d -> %d outside MeerKAT range", i, n)
		}
		prev = n
	}
}

func TestAntennaNumberSKADisjoint(t *testing.T) {
	meerkat := map[int]bool{}
	for i := 0; i < SKAOffset; i++ {
		n, _ := AntennaNumber(fmt.Sprintf("m%03d", i))
		meerkat[n] = true
	}
	for i := 0; i < 200; i++ {
		n, err := AntennaNumber(fmt.Sprintf("s%04d", i))
		if err != nil {
			t.Fatalf("s%04d: %v", i, err)
		}
		if n != i+SKAOffset {
			t.Fatalf("s%04d -> %d, want %d", i, n, i+SKAOffset)
		}
		if meerkat[n] {
			t.Fatalf("s%04d collides with a MeerKAT index", i)
		}
	}
}

func TestAntennaNumberInvalid(t *testing.T) {
	for _, name := range []string{"", "m", "x001", "mabc", "m0a1", "m-01", "m+01", "s12x", "m064"} {
		if _, err := AntennaNumber(name); !errors.Is(err, ErrInvalidAntennaName) {
			t.Errorf("AntennaNumber(%q) error = %v, want ErrInvalidAntennaName", name, err)
		}
	}
}

func TestAntennaNameInverse(t *testing.T) {
	for _, name := range []string{"m000", "m017", "m063", "s0000", "s0133"} {
		nr, err := AIPSAntennaNumber(name)
		if err != nil {
			t.Fatal(err)
		}
		if got := AntennaName(nr); got != name {
			t.Errorf("AntennaName(%d) = %q, want %q", nr, got, name)
		}
	}
}

func TestCorrelationID(t *testing.T) {
	cases := map[[2]string]int{
		{"h", "h"}: 0, {"v", "v"}: 1, {"h", "v"}: 2, {"v", "h"}: 3, {"H", "V"}: 2,
	}
	for in, want := range cases {
		got, err := CorrelationID(in[0], in[1])
		if err != nil || got != want {
			t.Errorf("CorrelationID(%v) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, in := range [][2]string{{"r", "l"}, {"h", "x"}, {"hh", "v"}, {"", "h"}} {
		if _, err := CorrelationID(in[0], in[1]); !errors.Is(err, ErrInvalidCorrelatorProduct) {
			t.Errorf("CorrelationID(%v) error = %v", in, err)
		}
	}
}

func TestBaselineID(t *testing.T) {
	if got := BaselineID(1, 2); got != 258 {
		t.Fatalf("BaselineID(1,2) = %v", got)
	}
	if got := BaselineID(MaxBaselineAntenna, MaxBaselineAntenna); got != 255*256+255 {
		t.Fatalf("BaselineID(255,255) = %v", got)
	}
}

func TestUVWRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		m := (rng.Float64() - 0.5) * 2e4
		refwave := 0.1 + rng.Float64()
		back := ToMetres(ToWavelengths(m, refwave), refwave)
		if math.Abs(back-m) > 1e-9*math.Max(1, math.Abs(m)) {
			t.Fatalf("round trip %v -> %v", m, back)
		}
	}
}

func TestJulianOffsetRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 1000; i++ {
		midnight := math.Floor(rng.Float64()*2e9/SecondsPerDay) * SecondsPerDay
		ts := midnight + rng.Float64()*3*SecondsPerDay
		back := UTCSeconds(JulianOffset(ts, midnight), midnight)
		if math.Abs(back-ts) > 1e-6 {
			t.Fatalf("round trip %v -> %v (midnight %v)", ts, back, midnight)
		}
	}
	if JulianOffset(43200, 0) != 0.5 {
		t.Fatalf("noon should be half a day")
	}
}

func TestSortProducts(t *testing.T) {
	names := [][2]string{
		{"m001h", "m002v"}, {"m000h", "m001h"}, {"m001v", "m002h"},
		{"m000v", "m001v"}, {"m001h", "m002h"}, {"m000h", "m001v"},
		{"m001v", "m002v"}, {"m000v", "m001h"},
	}
	products, err := ParseProducts(names)
	if err != nil {
		t.Fatal(err)
	}
	order, err := SortProducts(products)
	if err != nil {
		t.Fatal(err)
	}
	if order.NStokes != 4 || order.NBaseline != 2 {
		t.Fatalf("nstokes=%d nbl=%d", order.NStokes, order.NBaseline)
	}
	for b := 0; b < order.NBaseline; b++ {
		for s := 0; s < order.NStokes; s++ {
			cp := products[order.Perm[b][s]]
			if cp.CID != s {
				t.Errorf("baseline %d stokes %d has cid %d", b, s, cp.CID)
			}
			if cp.Ant1Index != b {
				t.Errorf("baseline %d product from antenna %d", b, cp.Ant1Index)
			}
		}
	}
	if order.Baselines[0] != BaselineID(1, 2) || order.Baselines[1] != BaselineID(2, 3) {
		t.Fatalf("baselines = %v", order.Baselines)
	}
	if order.MaxAIPSAntenna != 3 {
		t.Fatalf("max antenna = %d", order.MaxAIPSAntenna)
	}
}

func TestSortProductsRagged(t *testing.T) {
	names := [][2]string{{"m000h", "m001h"}, {"m000v", "m001v"}, {"m001h", "m002h"}}
	products, err := ParseProducts(names)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := SortProducts(products); !errors.Is(err, ErrInvalidCorrelatorProduct) {
		t.Fatalf("ragged products error = %v", err)
	}
}

func TestParseProductsInvalid(t *testing.T) {
	if _, err := ParseProducts([][2]string{{"m000r", "m001l"}}); !errors.Is(err, ErrInvalidCorrelatorProduct) {
		t.Fatalf("error = %v", err)
	}
	if _, err := ParseProducts([][2]string{{"q000h", "m001h"}}); !errors.Is(err, ErrInvalidAntennaName) {
		t.Fatalf("error = %v", err)
	}
}

package colormap

import (
	"image/color"
	"math"
	"testing"
)

func TestViridisEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Viridis.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{R: 68, G: 1, B: 84, A: 255}) {
		t.Fatalf("unexpected Viridis.At(0): %#v", c0)
	}

	c1, ok := Viridis.At(1).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=1")
	}
	if c1 != (color.RGBA{R: 253, G: 231, B: 37, A: 255}) {
		t.Fatalf("unexpected Viridis.At(1): %#v", c1)
	}
}

func TestCategoricalWraps(t *testing.T) {
	t.Parallel()

	if Categorical.AtIndex(0) != Categorical.AtIndex(Categorical.Len()) {
		t.Fatalf("expected index %d to wrap to 0", Categorical.Len())
	}
}

func TestHexRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want color.RGBA
		hex  string
	}{
		{"#ff0000", color.RGBA{R: 255, A: 255}, "#ff0000"},
		{"00ff00", color.RGBA{G: 255, A: 255}, "#00ff00"},
		{"#00f", color.RGBA{B: 255, A: 255}, "#0000ff"},
	}
	for _, tt := range tests {
		got, err := ParseHex(tt.in)
		if err != nil {
			t.Fatalf("ParseHex(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseHex(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
		if h := Hex(got); h != tt.hex {
			t.Errorf("Hex(%#v) = %q, want %q", got, h, tt.hex)
		}
	}

	if _, err := ParseHex("#12"); err == nil {
		t.Fatal("expected error for short hex")
	}
}

func TestByName(t *testing.T) {
	t.Parallel()

	if _, ok := ByName(" Viridis "); !ok {
		t.Fatal("expected viridis lookup to succeed")
	}
	if _, ok := ByName("jet"); ok {
		t.Fatal("expected unknown colormap lookup to fail")
	}
}

func TestLinearInterpolation(t *testing.T) {
	t.Parallel()

	if Magma.At(math.NaN()) != Magma.At(0) {
		t.Fatal("expected NaN to clamp to the first stop")
	}
	if Magma.At(2) != Magma.At(1) || Magma.At(-1) != Magma.At(0) {
		t.Fatal("expected out of range values to clamp")
	}
	// Halfway between the first two of 11 viridis stops.
	got := Viridis.At(0.05).(color.RGBA)
	if got != (color.RGBA{R: 70, G: 18, B: 100, A: 255}) {
		t.Fatalf("unexpected midpoint %#v", got)
	}
	if Viridis.AtIndex(-1) != Viridis.AtIndex(10) {
		t.Fatal("expected negative indices to wrap")
	}
}

func TestNames(t *testing.T) {
	t.Parallel()

	want := []string{"categorical", "inferno", "magma", "plasma", "viridis"}
	got := Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", got, want)
		}
	}
	for _, n := range got {
		if _, ok := ByName(n); !ok {
			t.Errorf("ByName(%q) failed", n)
		}
	}
}

package device

import "testing"

func TestDTypePromote(t *testing.T) {
	cases := []struct {
		a, b, want DType
	}{
		{Float32, Float32, Float32},
		{Float32, Float64, Float64},
		{Float16, Float32, Float32},
		{Float64, Complex64, Complex64},
		{Complex64, Complex128, Complex128},
		{Complex128, Float32, Complex128},
	}
	for _, c := range cases {
		if got := Promote(c.a, c.b); got != c.want {
			t.Errorf("Promote(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
		if got := Promote(c.b, c.a); got != c.want {
			t.Errorf("Promote(%v, %v) = %v, want %v", c.b, c.a, got, c.want)
		}
	}
}

func TestParseDType(t *testing.T) {
	for _, dt := range []DType{Float16, Float32, Float64, Complex64, Complex128} {
		got, err := ParseDType(dt.String())
		if err != nil || got != dt {
			t.Errorf("ParseDType(%q) = %v, %v", dt.String(), got, err)
		}
	}
	if _, err := ParseDType("int8"); err == nil {
		t.Error("Expected error for unknown dtype")
	}
}

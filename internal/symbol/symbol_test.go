package symbol

import "testing"

func TestParse_Valid(t *testing.T) {
	cases := map[string]string{
		"ACME":    "ACME",
		"acme":    "ACME",
		" msft  ": "MSFT",
		"BRK.B":   "BRK.B",
		"brk.a":   "BRK.A",
		"A":       "A",
		"GOOGLE":  "GOOGLE",
		"spy.iv":  "SPY.IV",
	}
	for raw, want := range cases {
		got, err := Parse(raw)
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", raw, err)
			continue
		}
		if got != want {
			t.Errorf("Parse(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"TOOLONGG",
		"AC-ME",
		"ACME.",
		".B",
		"ACME.ABC",
		"AC ME",
		"ACM3",
	}
	for _, raw := range cases {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q): expected error", raw)
		}
	}
}

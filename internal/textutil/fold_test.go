package textutil

import "testing"

func TestFold(t *testing.T) {
	cases := map[string]string{
		"Ocelářské Konstrukce s.r.o.": "ocelarske konstrukce s.r.o.",
		"ŽELEZÁRNY Třinec":            "zelezarny trinec",
		"  plain name  ":              "plain name",
		"":                            "",
	}
	for in, want := range cases {
		if got := Fold(in); got != want {
			t.Errorf("Fold(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestContainsFold(t *testing.T) {
	if !ContainsFold("ŽELEZÁRNY Třinec a.s.", "zelezarny") {
		t.Error("expected diacritic-insensitive match")
	}
	if ContainsFold("Ocelex s.r.o.", "trinec") {
		t.Error("unexpected match")
	}
}

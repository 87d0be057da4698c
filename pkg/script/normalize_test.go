package script

import "testing"

func TestNormalizeCanonicalizesPunctuationAndSpace(t *testing.T) {
	cases := map[string]string{
		"Hi, I’m Alex—really":        "hi, i'm alex-really",
		"  “Quoted”\ttext \n here  ": `"quoted" text here`,
		"en–dash ‘single’":           "en-dash 'single'",
		"":                           "",
		"   ":                        "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"Hi, I'm Alex from Remember Church Directories—do you have a quick moment?",
		"  MIXED   Case\r\n“quotes” – dashes ",
		" non-breaking space",
		"already normal",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Fatalf("not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestEquivalentIgnoresCaseAndTypography(t *testing.T) {
	if !Equivalent("Could I please speak—with the Pastor?", "could i please speak-with the pastor?") {
		t.Fatalf("expected em dash and hyphen lines to be equivalent")
	}
	if Equivalent("Could I speak with the Pastor?", "Could I speak with the Deacon?") {
		t.Fatalf("expected different lines to differ")
	}
}

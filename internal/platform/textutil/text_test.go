package textutil

import (
	"reflect"
	"testing"
)

func TestNormalizeStringMap(t *testing.T) {
	input := map[string]string{
		" plan ": " gold ",
		"period": " 12 ",
		"empty":  " ",
		" ":      "ignored",
		"":       "ignore",
	}
	expected := map[string]string{
		"plan":   "gold",
		"period": "12",
		"empty":  "",
	}
	if actual := NormalizeStringMap(input); !reflect.DeepEqual(actual, expected) {
		t.Fatalf("expected %#v got %#v", expected, actual)
	}
	if NormalizeStringMap(nil) != nil {
		t.Fatalf("expected nil for nil input")
	}
}

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		" save10 ":  "SAVE10",
		"ｓａｖｅ１０":    "SAVE10",
		"spring 25": "SPRING25",
	}
	for input, want := range cases {
		if got := NormalizeCode(input); got != want {
			t.Fatalf("NormalizeCode(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNormalizeRegistration(t *testing.T) {
	if got := NormalizeRegistration(" ab12 cde "); got != "AB12CDE" {
		t.Fatalf("unexpected registration %q", got)
	}
	if got := NormalizeRegistration("ab-12-cde"); got != "AB12CDE" {
		t.Fatalf("unexpected registration %q", got)
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Jane.Doe@Example.COM "); got != "jane.doe@example.com" {
		t.Fatalf("unexpected email %q", got)
	}
}

func TestSanitizeText(t *testing.T) {
	if got := SanitizeText(`<b>Jane</b>   <script>alert(1)</script>Doe`); got != "Jane Doe" {
		t.Fatalf("unexpected sanitised text %q", got)
	}
	if got := SanitizeText("O'Brien & Sons"); got != "O'Brien & Sons" {
		t.Fatalf("unexpected sanitised text %q", got)
	}
	if got := SanitizeText("   "); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

package configval

import "testing"

func TestRejectPlaceholders(t *testing.T) {
	v := Map(map[string]Value{
		"allocation": String("[REQUIRED]"),
		"nodes":      Number(2),
	})
	err := RejectPlaceholders("cfg.yaml", v)
	if err == nil {
		t.Fatal("expected placeholder error")
	}

	clean := Map(map[string]Value{
		"allocation": String("env1"),
		"nested":     List([]Value{String("ok"), String("[REQUIRED IF ON HPC]")}),
	})
	if err := RejectPlaceholders("cfg.yaml", clean); err == nil {
		t.Fatal("expected nested placeholder error")
	}

	fullyClean := Map(map[string]Value{"allocation": String("env1")})
	if err := RejectPlaceholders("cfg.yaml", fullyClean); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

package num

import (
	"encoding/json"
	"testing"
)

func TestParseRejectsNonInteger(t *testing.T) {
	bad := []string{"", "-", "1.5", "1e9", "0x10", "12a", " 12", "++1"}
	for _, s := range bad {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", s)
		}
	}
}

func TestRoundTripIdentity(t *testing.T) {
	cases := []string{
		"0",
		"1",
		"-1",
		"100",
		"10000000",
		"340282366920938463463374607431768211455", // 2^128-1
		"21888242871839275222246405745257275088548364400416034343698204186575808495617",
	}
	for _, s := range cases {
		b, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := b.String(); got != s {
			t.Errorf("Parse(%q).String() = %q", s, got)
		}
	}
}

func TestJSONAcceptsStringAndBareToken(t *testing.T) {
	var payload struct {
		Quantity Big `json:"quantity"`
		Price    Big `json:"price"`
	}
	raw := `{"quantity":"123456789012345678901234567890","price":10000000}`
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Quantity.String() != "123456789012345678901234567890" {
		t.Errorf("quantity = %s", payload.Quantity.String())
	}
	if payload.Price.String() != "10000000" {
		t.Errorf("price = %s", payload.Price.String())
	}

	out, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"quantity":"123456789012345678901234567890","price":"10000000"}`
	if string(out) != want {
		t.Errorf("marshal = %s, want %s", out, want)
	}
}

func TestJSONRejectsFloatToken(t *testing.T) {
	var b Big
	if err := json.Unmarshal([]byte(`1.5`), &b); err == nil {
		t.Fatal("expected error for float token")
	}
	if err := json.Unmarshal([]byte(`"1e5"`), &b); err == nil {
		t.Fatal("expected error for scientific notation")
	}
}

func TestZeroValueMarshals(t *testing.T) {
	var b Big
	out, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal zero value: %v", err)
	}
	if string(out) != `"0"` {
		t.Errorf("zero value = %s", out)
	}
	if !b.IsZero() {
		t.Error("zero value should report IsZero")
	}
}

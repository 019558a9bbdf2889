package core

import "testing"

func TestParseQuantityDecimal(t *testing.T) {
	v, err := ParseQuantity("123456789012345678901234567890")
	if err != nil {
		t.Fatalf("ParseQuantity: %v", err)
	}
	if v.String() != "123456789012345678901234567890" {
		t.Fatalf("unexpected value %s", v.String())
	}
}

func TestParseQuantityHex(t *testing.T) {
	v, err := ParseQuantity("0x2540be400")
	if err != nil {
		t.Fatalf("ParseQuantity: %v", err)
	}
	if v.String() != "10000000000" {
		t.Fatalf("unexpected value %s", v.String())
	}
}

func TestParseQuantityEmptyIsZero(t *testing.T) {
	v, err := ParseQuantity("")
	if err != nil {
		t.Fatalf("ParseQuantity: %v", err)
	}
	if v.Sign() != 0 {
		t.Fatalf("expected zero, got %s", v.String())
	}
}

func TestParseQuantityMalformed(t *testing.T) {
	_, err := ParseQuantity("not-a-number")
	if err == nil {
		t.Fatalf("expected error")
	}
	kind, ok := KindOf(err)
	if !ok || kind != ErrParseMalformed {
		t.Fatalf("expected ErrParseMalformed, got %v", kind)
	}
}

func TestTokenDecimalsRegistrySeedAndLearn(t *testing.T) {
	seed := map[string]struct {
		Symbol   string
		Decimals int
	}{
		"41a1e81654258bc0716e6617601cbd6812513f51c0": {Symbol: "USDT", Decimals: 6},
	}
	r := NewTokenDecimalsRegistry(seed)
	addr, err := ParseAddressHex("41a1e81654258bc0716e6617601cbd6812513f51c0")
	if err != nil {
		t.Fatalf("ParseAddressHex: %v", err)
	}
	symbol, decimals, ok := r.Lookup(addr)
	if !ok || symbol != "USDT" || decimals != 6 {
		t.Fatalf("expected seeded USDT/6, got %s/%d ok=%v", symbol, decimals, ok)
	}

	unknown, _ := ParseAddressHex("412222222222222222222222222222222222222222")
	if _, _, ok := r.Lookup(unknown); ok {
		t.Fatalf("expected unknown contract to miss")
	}
	r.Learn(unknown, "SHAD", 18)
	symbol, decimals, ok = r.Lookup(unknown)
	if !ok || symbol != "SHAD" || decimals != 18 {
		t.Fatalf("expected learned SHAD/18, got %s/%d ok=%v", symbol, decimals, ok)
	}
}

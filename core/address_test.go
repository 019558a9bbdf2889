package core

import "testing"

func TestAddressRoundTripBase58(t *testing.T) {
	hex := "41a1e81654258bc0716e6617601cbd6812513f51c0"
	a, err := ParseAddressHex(hex)
	if err != nil {
		t.Fatalf("ParseAddressHex: %v", err)
	}
	s := a.String()
	back, err := ParseAddress(s)
	if err != nil {
		t.Fatalf("ParseAddress(%q): %v", s, err)
	}
	if back != a {
		t.Fatalf("round trip mismatch: got %x want %x", back, a)
	}
}

func TestParseAddressHex20ByteGetsPrefixed(t *testing.T) {
	a, err := ParseAddressHex("a1e81654258bc0716e6617601cbd6812513f51c0")
	if err != nil {
		t.Fatalf("ParseAddressHex: %v", err)
	}
	if a[0] != tronAddressPrefix {
		t.Fatalf("expected prefix byte 0x41, got 0x%x", a[0])
	}
}

func TestParseAddressRejectsBadChecksum(t *testing.T) {
	a, err := ParseAddressHex("41a1e81654258bc0716e6617601cbd6812513f51c0")
	if err != nil {
		t.Fatalf("ParseAddressHex: %v", err)
	}
	s := a.String()
	tampered := []byte(s)
	tampered[0] = tampered[0]%10 + '1'
	if _, err := ParseAddress(string(tampered)); err == nil {
		t.Fatalf("expected checksum error for tampered address")
	}
}

func TestParseHashRoundTrip(t *testing.T) {
	const hex = "abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234"
	h, err := ParseHash(hex)
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if h.String() != "0x"+hex {
		t.Fatalf("expected 0x%s, got %s", hex, h.String())
	}
}

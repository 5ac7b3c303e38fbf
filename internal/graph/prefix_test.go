package graph

import "testing"

func TestParsePrefix(t *testing.T) {
	p, err := ParsePrefix("137.99.0.0", "255.255.0.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Addr != 0x89630000 {
		t.Errorf("expected addr 0x89630000, got 0x%08X", p.Addr)
	}
	if p.Mask != 0xFFFF0000 {
		t.Errorf("expected mask 0xFFFF0000, got 0x%08X", p.Mask)
	}
	if got := p.String(); got != "137.99.0.0/16" {
		t.Errorf("expected 137.99.0.0/16, got %s", got)
	}
}

func TestParsePrefix_ClearsHostBits(t *testing.T) {
	p, err := ParsePrefix("10.1.2.3", "255.255.255.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.String(); got != "10.1.2.0/24" {
		t.Errorf("expected host bits cleared, got %s", got)
	}
}

func TestParsePrefix_Malformed(t *testing.T) {
	if _, err := ParsePrefix("not-an-ip", "255.0.0.0"); err == nil {
		t.Fatal("expected error for bad host")
	}
	if _, err := ParsePrefix("10.0.0.0", "garbage"); err == nil {
		t.Fatal("expected error for bad netmask")
	}
	if _, err := ParsePrefix("2001:db8::", "ffff::"); err == nil {
		t.Fatal("expected error for IPv6")
	}
}

func TestPrefixContains(t *testing.T) {
	wide, _ := ParsePrefix("137.99.0.0", "255.255.0.0")
	narrow, _ := ParsePrefix("137.99.4.0", "255.255.255.0")
	other, _ := ParsePrefix("137.100.0.0", "255.255.0.0")

	if !wide.Contains(narrow) {
		t.Error("expected /16 to contain /24")
	}
	if narrow.Contains(wide) {
		t.Error("expected /24 not to contain /16")
	}
	if wide.Contains(other) {
		t.Error("expected disjoint prefixes not to contain each other")
	}
	if !wide.Contains(wide) {
		t.Error("expected prefix to contain itself")
	}
}

func TestPrefixOrdering_MoreSpecificFirst(t *testing.T) {
	wide, _ := ParsePrefix("10.0.0.0", "255.0.0.0")
	narrow, _ := ParsePrefix("10.1.0.0", "255.255.0.0")

	if narrow.Compare(wide) >= 0 {
		t.Error("expected more-specific prefix to sort first")
	}
	if wide.Compare(narrow) <= 0 {
		t.Error("expected less-specific prefix to sort last")
	}
	if wide.Compare(wide) != 0 {
		t.Error("expected equal prefixes to compare 0")
	}

	a, _ := ParsePrefix("10.0.0.0", "255.255.0.0")
	b, _ := ParsePrefix("10.1.0.0", "255.255.0.0")
	if !a.Less(b) {
		t.Error("expected same-mask prefixes to order by address")
	}
}

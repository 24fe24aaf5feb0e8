package cidr

import (
	"errors"
	"testing"
)

func TestContains(t *testing.T) {
	tests := []struct {
		ip, cidr string
		want     bool
	}{
		{"103.115.10.127", "103.115.0.0/16", true},
		{"103.116.0.1", "103.115.0.0/16", false},
		{"10.1.2.3", "10.0.0.0/8", true},
		{"192.168.1.130", "192.168.1.128/25", true},
		{"192.168.1.127", "192.168.1.128/25", false},
		{"8.8.8.8", "0.0.0.0/0", true},
		{"1.2.3.4", "1.2.3.4/32", true},
		{"1.2.3.5", "1.2.3.4/32", false},
		{"::ffff:103.115.1.1", "103.115.0.0/16", true},
		{"2001:db8::1", "2001:db8::/32", true},
		{"2001:db9::1", "2001:db8::/32", false},
		{"103.115.1.1", "2001:db8::/32", false},
		{"2001:db8::1", "103.115.0.0/16", false},
		{"1.2.3.4", "::ffff:1.2.3.0/120", true},
		{"1.2.4.4", "::ffff:1.2.3.0/120", false},
		{"9.9.9.9", "::ffff:0.0.0.0/96", true},
		{"not-an-ip", "103.115.0.0/16", false},
		{"", "103.115.0.0/16", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip+"_in_"+tt.cidr, func(t *testing.T) {
			got, err := Contains(tt.ip, tt.cidr)
			if err != nil {
				t.Fatalf("Contains returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Contains(%q, %q) = %v, want %v", tt.ip, tt.cidr, got, tt.want)
			}
		})
	}
}

func TestMalformed(t *testing.T) {
	for _, bad := range []string{"103.115.0.0", "nope/16", "103.115.0.0/x", "103.115.0.0/33", "2001:db8::/129", "10.0.0.0/-1", "10.0.0.0/+8", "10.0.0.0/", "10.0.0.0/ 8", "::ffff:1.2.3.0/64", "::ffff:1.2.3.0/129"} {
		t.Run(bad, func(t *testing.T) {
			_, err := Contains("103.115.1.1", bad)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Expected *ConfigError, got %v", err)
			}
			if !errors.Is(err, ErrInvalidCIDR) {
				t.Error("Expected error to wrap ErrInvalidCIDR")
			}
		})
	}
}

func TestBuildMask(t *testing.T) {
	mask := buildMask(20, 4)
	want := []byte{0xff, 0xff, 0xf0, 0x00}
	for i := range want {
		if mask[i] != want[i] {
			t.Fatalf("buildMask(20, 4) = %v, want %v", mask, want)
		}
	}
	if len(buildMask(64, 16)) != 16 {
		t.Error("Expected mask padded to 16 bytes")
	}
}

func TestRangeString(t *testing.T) {
	r, err := Parse(" 103.115.0.0/16 ")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if r.String() != "103.115.0.0/16" {
		t.Errorf("Unexpected string %q", r.String())
	}
}

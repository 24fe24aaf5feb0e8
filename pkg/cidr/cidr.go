// Package cidr matches addresses against base/prefix ranges.
package cidr

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ErrInvalidCIDR is wrapped by every ConfigError
var ErrInvalidCIDR = errors.New("invalid CIDR")

// ConfigError reports a malformed range in configuration
type ConfigError struct {
	CIDR   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid CIDR %q: %s", e.CIDR, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidCIDR
}

// Range is a parsed CIDR block
type Range struct {
	raw  string
	base []byte
	mask []byte
}

// Parse compiles a base/prefix string
func Parse(s string) (*Range, error) {
	s = strings.TrimSpace(s)
	baseStr, prefixStr, ok := strings.Cut(s, "/")
	if !ok {
		return nil, &ConfigError{CIDR: s, Reason: "missing prefix length"}
	}

	base, err := netip.ParseAddr(baseStr)
	if err != nil {
		return nil, &ConfigError{CIDR: s, Reason: "bad base address"}
	}

	if prefixStr == "" || strings.TrimLeft(prefixStr, "0123456789") != "" {
		return nil, &ConfigError{CIDR: s, Reason: "bad prefix length"}
	}
	prefix, err := strconv.Atoi(prefixStr)
	if err != nil {
		return nil, &ConfigError{CIDR: s, Reason: "bad prefix length"}
	}
	if prefix > base.BitLen() {
		return nil, &ConfigError{CIDR: s, Reason: "prefix length out of range"}
	}

	// A ::ffff:a.b.c.d base counts its prefix over 128 bits
	if base.Is4In6() {
		if prefix < 96 {
			return nil, &ConfigError{CIDR: s, Reason: "prefix length out of range"}
		}
		prefix -= 96
	}
	base = base.Unmap()

	raw := base.AsSlice()
	return &Range{raw: s, base: raw, mask: buildMask(prefix, len(raw))}, nil
}

// buildMask sets the leading prefix bits and pads with zeros to width bytes
func buildMask(prefix, width int) []byte {
	mask := make([]byte, width)
	for i := 0; i < width && prefix > 0; i++ {
		if prefix >= 8 {
			mask[i] = 0xff
			prefix -= 8
			continue
		}
		mask[i] = byte(0xff << (8 - prefix))
		prefix = 0
	}
	return mask
}

// Contains reports whether ip falls inside the range. Unparseable addresses
// and addresses of the other family never match.
func (r *Range) Contains(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	b := addr.Unmap().AsSlice()
	if len(b) != len(r.base) {
		return false
	}
	for i := range b {
		if b[i]&r.mask[i] != r.base[i]&r.mask[i] {
			return false
		}
	}
	return true
}

func (r *Range) String() string {
	return r.raw
}

// Contains parses cidr and checks ip against it
func Contains(ip, cidr string) (bool, error) {
	r, err := Parse(cidr)
	if err != nil {
		return false, err
	}
	return r.Contains(ip), nil
}

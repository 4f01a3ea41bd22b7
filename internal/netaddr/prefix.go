// Package netaddr parses and renders the IPv4/IPv6 prefix values the rest
// of irrcache stores and serializes. A prefix is kept in its canonical,
// fixed-width wire form everywhere except on the way in from text.
package netaddr

import (
	"fmt"
	"strconv"
	"strings"
)

// V4 is a canonical IPv4 prefix: four address octets followed by a
// prefix length in [0,32]. Bits beyond the length are always zero.
type V4 [5]byte

// V6 is a canonical IPv6 prefix: sixteen address octets followed by a
// prefix length in [0,128]. Bits beyond the length are always zero.
type V6 [17]byte

// Len returns the prefix length encoded in the last byte.
func (p V4) Len() int { return int(p[4]) }

// Len returns the prefix length encoded in the last byte.
func (p V6) Len() int { return int(p[16]) }

// ParseV4 parses "a.b.c.d/p". The returned value is NOT canonicalized;
// call CanonicalizeV4 to clear host bits.
func ParseV4(s string) (V4, error) {
	var out V4
	addr, lenStr, err := splitPrefix(s)
	if err != nil {
		return out, err
	}
	octets := strings.Split(addr, ".")
	if len(octets) != 4 {
		return out, fmt.Errorf("netaddr: invalid IPv4 address %q", s)
	}
	for i, o := range octets {
		v, err := strconv.ParseUint(o, 10, 8)
		if err != nil {
			return out, fmt.Errorf("netaddr: invalid IPv4 octet %q: %w", o, err)
		}
		out[i] = byte(v)
	}
	plen, err := parsePrefixLen(lenStr, 32)
	if err != nil {
		return out, err
	}
	out[4] = byte(plen)
	return out, nil
}

// ParseV6 parses a bracket-free IPv6 literal with "/p", in either
// expanded or "::"-compressed form.
func ParseV6(s string) (V6, error) {
	var out V6
	addr, lenStr, err := splitPrefix(s)
	if err != nil {
		return out, err
	}
	groups, err := expandV6Groups(addr)
	if err != nil {
		return out, err
	}
	for i, g := range groups {
		out[i*2] = byte(g >> 8)
		out[i*2+1] = byte(g)
	}
	plen, err := parsePrefixLen(lenStr, 128)
	if err != nil {
		return out, err
	}
	out[16] = byte(plen)
	return out, nil
}

// Parse parses either family, discriminated by the presence of ":" in s,
// and returns the value boxed as V4 or V6.
func Parse(s string) (interface{}, error) {
	if strings.Contains(s, ":") {
		return ParseV6(s)
	}
	return ParseV4(s)
}

func splitPrefix(s string) (addr, plen string, err error) {
	idx := strings.IndexByte(s, '/')
	if idx < 0 {
		return "", "", fmt.Errorf("netaddr: %q has no /length", s)
	}
	return s[:idx], s[idx+1:], nil
}

func parsePrefixLen(s string, max int) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("netaddr: invalid prefix length %q: %w", s, err)
	}
	if v < 0 || v > max {
		return 0, fmt.Errorf("netaddr: prefix length %d out of range [0,%d]", v, max)
	}
	return v, nil
}

// expandV6Groups expands a (possibly "::"-compressed) IPv6 address into
// its 8 16-bit groups.
func expandV6Groups(s string) ([8]uint16, error) {
	var groups [8]uint16

	halves := strings.SplitN(s, "::", 2)
	switch len(halves) {
	case 1:
		parts := strings.Split(s, ":")
		if len(parts) != 8 {
			return groups, fmt.Errorf("netaddr: invalid IPv6 address %q", s)
		}
		for i, p := range parts {
			v, err := strconv.ParseUint(p, 16, 16)
			if err != nil {
				return groups, fmt.Errorf("netaddr: invalid IPv6 group %q: %w", p, err)
			}
			groups[i] = uint16(v)
		}
	case 2:
		var left, right []string
		if halves[0] != "" {
			left = strings.Split(halves[0], ":")
		}
		if halves[1] != "" {
			right = strings.Split(halves[1], ":")
		}
		if len(left)+len(right) > 8 {
			return groups, fmt.Errorf("netaddr: invalid IPv6 address %q", s)
		}
		for i, p := range left {
			v, err := strconv.ParseUint(p, 16, 16)
			if err != nil {
				return groups, fmt.Errorf("netaddr: invalid IPv6 group %q: %w", p, err)
			}
			groups[i] = uint16(v)
		}
		off := 8 - len(right)
		for i, p := range right {
			v, err := strconv.ParseUint(p, 16, 16)
			if err != nil {
				return groups, fmt.Errorf("netaddr: invalid IPv6 group %q: %w", p, err)
			}
			groups[off+i] = uint16(v)
		}
	default:
		return groups, fmt.Errorf("netaddr: invalid IPv6 address %q", s)
	}
	return groups, nil
}

// StringV4 renders p as canonical dotted-quad "a.b.c.d/p".
func StringV4(p V4) string {
	return fmt.Sprintf("%d.%d.%d.%d/%d", p[0], p[1], p[2], p[3], p[4])
}

// StringV6 renders p as 4-hex-digit groups joined by ":", fully expanded.
// The form is stable: the same value always renders to the same string,
// which is all clients need to dedupe lexically.
func StringV6(p V6) string {
	var b strings.Builder
	for i := 0; i < 8; i++ {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%04x", uint16(p[i*2])<<8|uint16(p[i*2+1]))
	}
	fmt.Fprintf(&b, "/%d", p[16])
	return b.String()
}

func (p V4) String() string { return StringV4(p) }
func (p V6) String() string { return StringV6(p) }

// CanonicalizeV4 clears address bits beyond the prefix length. changed
// reports whether any bit was actually cleared, so callers can surface
// the non-canonical-input signal spec §4.1 calls for.
func CanonicalizeV4(p V4) (out V4, changed bool) {
	out = p
	plen := int(p[4])
	clearTrailingBits(out[:4], plen)
	return out, out != p
}

// CanonicalizeV6 clears address bits beyond the prefix length.
func CanonicalizeV6(p V6) (out V6, changed bool) {
	out = p
	plen := int(p[16])
	clearTrailingBits(out[:16], plen)
	return out, out != p
}

// clearTrailingBits zeroes every bit in buf at position >= keep.
func clearTrailingBits(buf []byte, keep int) {
	totalBits := len(buf) * 8
	if keep >= totalBits {
		return
	}
	if keep < 0 {
		keep = 0
	}
	fullBytes := keep / 8
	rem := keep % 8
	if rem != 0 {
		mask := byte(0xFF << (8 - rem))
		buf[fullBytes] &= mask
		fullBytes++
	}
	for i := fullBytes; i < len(buf); i++ {
		buf[i] = 0
	}
}

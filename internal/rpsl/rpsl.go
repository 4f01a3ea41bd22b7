// Package rpsl parses the RPSL objects (blank-line separated "attribute:
// value" packets) that make up an IRR dump or NRTM delta stream. Only the
// as-set, route, route6, members and origin attributes are semantically
// interpreted; every other attribute is read and discarded.
package rpsl

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Kind discriminates the tagged object Parse returns.
type Kind int

const (
	// KindNone means the packet was not a route, route6, or as-set
	// object — every other RPSL class the source never inspects.
	KindNone Kind = iota
	KindMacroDef
	KindRouteV4
	KindRouteV6
)

// Object is the tagged result of parsing one RPSL packet.
type Object struct {
	Kind Kind

	// KindMacroDef
	MacroName string
	Members   []string

	// KindRouteV4 / KindRouteV6
	Prefix string // raw prefix text, canonicalized by the caller
	Origin uint32
}

// Parse consumes the non-empty lines of a single RPSL packet (already
// split on the blank-line terminator by the caller) and classifies it.
// log receives one Warn per malformed attribute the source shrugs off;
// pass logrus.NewEntry(logrus.StandardLogger()) if the caller doesn't
// care to attach registry context.
func Parse(lines []string, log *logrus.Entry) Object {
	var obj Object
	firstKey := ""

	for i, raw := range lines {
		line := stripComment(raw)
		key, value, isKV := splitAttr(line)
		if !isKV {
			// continuation line: inherits the previous attribute's key
			if firstKey == "" {
				continue
			}
			key = lastKey(lines, i)
			value = strings.TrimSpace(line)
		}
		if i == 0 {
			firstKey = key
		}

		switch key {
		case "as-set":
			if i == 0 {
				obj.Kind = KindMacroDef
				obj.MacroName = strings.ToUpper(strings.TrimSpace(value))
			}
		case "route":
			if i == 0 {
				obj.Kind = KindRouteV4
				obj.Prefix = strings.TrimSpace(value)
			}
		case "route6":
			if i == 0 {
				obj.Kind = KindRouteV6
				obj.Prefix = strings.TrimSpace(value)
			}
		case "members":
			for _, tok := range strings.Split(value, ",") {
				tok = strings.ToUpper(strings.TrimSpace(tok))
				if tok != "" {
					obj.Members = append(obj.Members, tok)
				}
			}
		case "origin":
			asn, err := parseOrigin(value)
			if err != nil {
				if log != nil {
					log.Warnf("rpsl: bad origin attribute %q: %v", value, err)
				}
				continue
			}
			obj.Origin = asn
		}
	}
	return obj
}

// parseOrigin parses "AS64500" (optionally trailed by a comment already
// stripped) into its numeric ASN.
func parseOrigin(value string) (uint32, error) {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(strings.ToUpper(value), "AS")
	v, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// stripComment removes a trailing "#..." comment, per spec.md §4.2.
func stripComment(line string) string {
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		return line[:idx]
	}
	return line
}

// splitAttr splits "key:value" at the first colon. A line with no colon
// (or one that starts with whitespace, the RPSL continuation convention)
// is not a key:value line.
func splitAttr(line string) (key, value string, ok bool) {
	if line == "" {
		return "", "", false
	}
	if line[0] == ' ' || line[0] == '\t' {
		return "", "", false
	}
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), line[idx+1:], true
}

// lastKey walks back from index i to find the key most recently matched,
// so a continuation line inherits it.
func lastKey(lines []string, i int) string {
	for j := i - 1; j >= 0; j-- {
		if key, _, ok := splitAttr(stripComment(lines[j])); ok {
			return key
		}
	}
	return ""
}

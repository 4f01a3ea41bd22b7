// Package lookup implements the macro/ASN expansion engine: turning a
// query name into the concrete prefix set spec.md §4.8 describes.
package lookup

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/bgp/irrcache/internal/netaddr"
	"github.com/bgp/irrcache/internal/registry"
)

var asnPattern = regexp.MustCompile(`^AS(\d+)$`)

// ResolveOrigins expands name to the ordered list of origin ASNs whose
// prefixes make up the answer, plus the list of macro names transitively
// visited along the way (the seed name itself excluded). A direct ASN
// query returns itself as a single-element origin list. Traversal uses
// an explicit worklist and a visited set, per spec.md §9, so a cyclical
// macro table terminates instead of recursing forever; missing macros
// are silently skipped, matching spec.md §4.8.
func ResolveOrigins(idx *registry.Index, name string) (origins []uint32, visitedMacros []string) {
	name = strings.ToUpper(strings.TrimSpace(name))

	if asn, ok := parseASN(name); ok {
		return []uint32{asn}, nil
	}

	visited := map[string]bool{name: true}
	queue := []string{name}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		members, ok := idx.LookupMacro(cur)
		if !ok {
			continue
		}
		for _, tok := range members {
			tok = strings.ToUpper(tok)
			if asn, ok := parseASN(tok); ok {
				origins = append(origins, asn)
				continue
			}
			if !visited[tok] {
				visited[tok] = true
				visitedMacros = append(visitedMacros, tok)
				queue = append(queue, tok)
			}
		}
	}
	return origins, visitedMacros
}

// ExpandV4 resolves name and concatenates each resolved origin's IPv4
// prefix list, in resolution order, duplicates included.
func ExpandV4(idx *registry.Index, name string) (prefixes []netaddr.V4, visitedMacros []string) {
	origins, visited := ResolveOrigins(idx, name)
	for _, asn := range origins {
		prefixes = append(prefixes, idx.GetPrefixesV4(asn)...)
	}
	return prefixes, visited
}

// ExpandV6 is the IPv6 analog of ExpandV4.
func ExpandV6(idx *registry.Index, name string) (prefixes []netaddr.V6, visitedMacros []string) {
	origins, visited := ResolveOrigins(idx, name)
	for _, asn := range origins {
		prefixes = append(prefixes, idx.GetPrefixesV6(asn)...)
	}
	return prefixes, visited
}

func parseASN(tok string) (uint32, bool) {
	m := asnPattern.FindStringSubmatch(tok)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

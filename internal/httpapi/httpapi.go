// Package httpapi implements the HTTP query surface spec.md §6
// describes: per-registry ASN/macro lookups, a full-system dump, and a
// Prometheus metrics endpoint. Handler returns the routing mux; serving
// it and TLS termination are the caller's concern.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/bgp/irrcache/internal/lookup"
	"github.com/bgp/irrcache/internal/netaddr"
	"github.com/bgp/irrcache/internal/registry"
)

// IndexSource is the subset of *supervisor.Supervisor this package
// depends on, kept as an interface so handler tests can substitute a
// bare map without spinning up real registry pipelines.
type IndexSource interface {
	Index(name string) (*registry.Index, bool)
	Indices() map[string]*registry.Index
}

var lookupPath = regexp.MustCompile(`^/([^/]+)/([^/]+)/(v4|v6)$`)

// Handler builds the top-level mux for the query surface: the two
// lookup routes, /dump, and /metrics.
func Handler(src IndexSource, log *logrus.Entry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/dump", dumpHandler(src))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", lookupHandler(src, log))
	return mux
}

// lookupResponse is the JSON shape for a macro-expanded query. A direct
// ASN query bypasses this struct entirely and marshals its raw prefix
// list instead, per spec.md §6's "direct-ASN shortcut."
type lookupResponse struct {
	Prefixes    []string `json:"prefixes"`
	Macros      []string `json:"macros"`
	PrefixCount int      `json:"prefixCount"`
}

func lookupHandler(src IndexSource, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := lookupPath.FindStringSubmatch(r.URL.Path)
		if m == nil {
			// unknown paths return an empty body, per spec.md §6.
			return
		}
		regName, name, family := m[1], strings.ToUpper(m[2]), m[3]

		idx, ok := src.Index(regName)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown registry %q", regName), http.StatusNotFound)
			return
		}

		if isDirectASN(name) {
			writeDirect(w, log, idx, name, family)
			return
		}

		var resp lookupResponse
		if family == "v4" {
			prefixes, visited := lookup.ExpandV4(idx, name)
			resp.Prefixes = stringifyV4(prefixes)
			resp.Macros = visited
		} else {
			prefixes, visited := lookup.ExpandV6(idx, name)
			resp.Prefixes = stringifyV6(prefixes)
			resp.Macros = visited
		}
		resp.PrefixCount = len(resp.Prefixes)

		writeJSON(w, log, resp)
	}
}

var asnPattern = regexp.MustCompile(`^AS\d+$`)

func isDirectASN(name string) bool { return asnPattern.MatchString(name) }

// writeDirect serves the direct-ASN shortcut: the raw bucket contents as
// a bare JSON array, with no macro-expansion wrapper.
func writeDirect(w http.ResponseWriter, log *logrus.Entry, idx *registry.Index, name, family string) {
	origins, _ := lookup.ResolveOrigins(idx, name)
	if len(origins) == 0 {
		writeJSON(w, log, []string{})
		return
	}
	asn := origins[0]
	if family == "v4" {
		writeJSON(w, log, stringifyV4(idx.GetPrefixesV4(asn)))
	} else {
		writeJSON(w, log, stringifyV6(idx.GetPrefixesV6(asn)))
	}
}

// dumpResponse mirrors registry.Index.Snapshot's shape for one registry,
// keyed by the registry's short name in the top-level map.
type dumpResponse struct {
	Serial uint32              `json:"serial"`
	Macros map[string][]string `json:"macros"`
	ASNv4  map[string][]string `json:"asnv4"`
	ASNv6  map[string][]string `json:"asnv6"`
}

func dumpHandler(src IndexSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]dumpResponse)
		for name, idx := range src.Indices() {
			serial, macros, v4, v6 := idx.Snapshot()
			d := dumpResponse{
				Serial: serial,
				Macros: macros,
				ASNv4:  make(map[string][]string, len(v4)),
				ASNv6:  make(map[string][]string, len(v6)),
			}
			for asn, prefixes := range v4 {
				d.ASNv4[fmt.Sprintf("AS%d", asn)] = stringifyV4(prefixes)
			}
			for asn, prefixes := range v6 {
				d.ASNv6[fmt.Sprintf("AS%d", asn)] = stringifyV6(prefixes)
			}
			out[name] = d
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

func stringifyV4(prefixes []netaddr.V4) []string {
	out := make([]string, len(prefixes))
	for i, p := range prefixes {
		out[i] = netaddr.StringV4(p)
	}
	return out
}

func stringifyV6(prefixes []netaddr.V6) []string {
	out := make([]string, len(prefixes))
	for i, p := range prefixes {
		out[i] = netaddr.StringV6(p)
	}
	return out
}

func writeJSON(w http.ResponseWriter, log *logrus.Entry, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("httpapi: encode response: %v", err)
	}
}

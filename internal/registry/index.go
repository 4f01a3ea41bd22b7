// Package registry holds the in-memory per-registry index: the macro
// table and the IPv4/IPv6 origin-to-prefixes tables, plus the mutation
// operations the bootstrap loader and realtime synchronizer drive.
package registry

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bgp/irrcache/internal/netaddr"
)

// Index is one registry's state. Mutations are serialized per-registry
// by the caller (one packet applied at a time); reads take the read
// lock so queries never block behind a slow write longer than a single
// packet apply, per spec §5's "batched apply, one lock per packet."
type Index struct {
	mu sync.RWMutex

	serial uint32
	macros map[string][]string
	asnv4  map[uint32][]netaddr.V4
	asnv6  map[uint32][]netaddr.V6
}

// New returns an empty index with the given initial serial.
func New(serial uint32) *Index {
	return &Index{
		serial: serial,
		macros: make(map[string][]string),
		asnv4:  make(map[uint32][]netaddr.V4),
		asnv6:  make(map[uint32][]netaddr.V6),
	}
}

// Serial returns the current serial.
func (idx *Index) Serial() uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.serial
}

// SetSerial sets the current serial, per the synchronizer's commit rule.
func (idx *Index) SetSerial(s uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.serial = s
}

// ApplyMacro assigns or erases a macro definition. If remove is true and
// the macro isn't present, the absence is logged but not fatal.
func (idx *Index) ApplyMacro(name string, members []string, remove bool, log *logrus.Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	name = normalizeName(name)
	if remove {
		if _, ok := idx.macros[name]; !ok && log != nil {
			log.Debugf("registry: delete of absent macro %s", name)
		}
		delete(idx.macros, name)
		return
	}
	idx.macros[name] = members
}

// ApplyRouteV4 appends or removes a v4 route under the given origin.
// Prefixes are stored canonical; a non-canonical input is corrected
// and logged, per spec §4.1.
func (idx *Index) ApplyRouteV4(p netaddr.V4, origin uint32, remove bool, log *logrus.Entry) {
	canon, changed := netaddr.CanonicalizeV4(p)
	if changed && log != nil {
		log.Warnf("registry: non-canonical v4 prefix corrected: %s -> %s", netaddr.StringV4(p), netaddr.StringV4(canon))
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if remove {
		removeV4(idx.asnv4, origin, canon, log)
		return
	}
	idx.asnv4[origin] = append(idx.asnv4[origin], canon)
}

// ApplyRouteV6 is the IPv6 analog of ApplyRouteV4.
func (idx *Index) ApplyRouteV6(p netaddr.V6, origin uint32, remove bool, log *logrus.Entry) {
	canon, changed := netaddr.CanonicalizeV6(p)
	if changed && log != nil {
		log.Warnf("registry: non-canonical v6 prefix corrected: %s -> %s", netaddr.StringV6(p), netaddr.StringV6(canon))
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if remove {
		removeV6(idx.asnv6, origin, canon, log)
		return
	}
	idx.asnv6[origin] = append(idx.asnv6[origin], canon)
}

// removeV4 deletes the first entry whose bytes equal target. spec.md §9
// flags the source's actual behavior here (it deletes the first
// NON-matching entry, which looks like a bug) as an open question rather
// than a contract to replicate; this implements the recommended
// corrected behavior instead.
func removeV4(table map[uint32][]netaddr.V4, origin uint32, target netaddr.V4, log *logrus.Entry) {
	list := table[origin]
	for i, p := range list {
		if p == target {
			table[origin] = append(list[:i], list[i+1:]...)
			return
		}
	}
	if log != nil {
		log.Debugf("registry: delete of absent v4 prefix %s for AS%d", netaddr.StringV4(target), origin)
	}
}

func removeV6(table map[uint32][]netaddr.V6, origin uint32, target netaddr.V6, log *logrus.Entry) {
	list := table[origin]
	for i, p := range list {
		if p == target {
			table[origin] = append(list[:i], list[i+1:]...)
			return
		}
	}
	if log != nil {
		log.Debugf("registry: delete of absent v6 prefix %s for AS%d", netaddr.StringV6(target), origin)
	}
}

// GetPrefixesV4 returns the stored v4 prefix list for origin. The
// returned slice is the live backing list's contents at call time but
// must not be mutated by the caller.
func (idx *Index) GetPrefixesV4(origin uint32) []netaddr.V4 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return append([]netaddr.V4(nil), idx.asnv4[origin]...)
}

// GetPrefixesV6 is the IPv6 analog of GetPrefixesV4.
func (idx *Index) GetPrefixesV6(origin uint32) []netaddr.V6 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return append([]netaddr.V6(nil), idx.asnv6[origin]...)
}

// LookupMacro returns the member list for a macro name.
func (idx *Index) LookupMacro(name string) ([]string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	members, ok := idx.macros[normalizeName(name)]
	return members, ok
}

// Snapshot returns copies of the three tables plus the current serial,
// for use by the snapshot codec and the /dump HTTP handler. Copying
// under the read lock keeps the encode/JSON-marshal step lock-free.
func (idx *Index) Snapshot() (serial uint32, macros map[string][]string, asnv4 map[uint32][]netaddr.V4, asnv6 map[uint32][]netaddr.V6) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	macros = make(map[string][]string, len(idx.macros))
	for k, v := range idx.macros {
		members := make([]string, len(v))
		copy(members, v)
		macros[k] = members
	}
	asnv4 = make(map[uint32][]netaddr.V4, len(idx.asnv4))
	for k, v := range idx.asnv4 {
		list := make([]netaddr.V4, len(v))
		copy(list, v)
		asnv4[k] = list
	}
	asnv6 = make(map[uint32][]netaddr.V6, len(idx.asnv6))
	for k, v := range idx.asnv6 {
		list := make([]netaddr.V6, len(v))
		copy(list, v)
		asnv6[k] = list
	}
	return idx.serial, macros, asnv4, asnv6
}

// Load replaces the index contents wholesale, used by the supervisor to
// populate a freshly created index from a decoded snapshot.
func (idx *Index) Load(serial uint32, macros map[string][]string, asnv4 map[uint32][]netaddr.V4, asnv6 map[uint32][]netaddr.V6) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.serial = serial
	idx.macros = macros
	idx.asnv4 = asnv4
	idx.asnv6 = asnv6
}

func normalizeName(name string) string {
	return strings.ToUpper(name)
}

package registry

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgp/irrcache/internal/netaddr"
)

func nopLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestApplyMacro(t *testing.T) {
	idx := New(1)
	idx.ApplyMacro("as-foo", []string{"AS64500", "AS-BAR"}, false, nopLogger())

	members, ok := idx.LookupMacro("AS-FOO")
	require.True(t, ok)
	assert.Equal(t, []string{"AS64500", "AS-BAR"}, members)

	idx.ApplyMacro("AS-FOO", nil, true, nopLogger())
	_, ok = idx.LookupMacro("AS-FOO")
	assert.False(t, ok)
}

func TestApplyMacroDeleteAbsentIsNotFatal(t *testing.T) {
	idx := New(1)
	idx.ApplyMacro("AS-NOPE", nil, true, nopLogger())
	_, ok := idx.LookupMacro("AS-NOPE")
	assert.False(t, ok)
}

func TestApplyRouteV4AppendAndCanonicalize(t *testing.T) {
	idx := New(1)
	p, err := netaddr.ParseV4("192.0.2.5/24")
	require.NoError(t, err)

	idx.ApplyRouteV4(p, 64500, false, nopLogger())

	got := idx.GetPrefixesV4(64500)
	require.Len(t, got, 1)
	assert.Equal(t, "192.0.2.0/24", netaddr.StringV4(got[0]))
}

func TestApplyRouteV4Duplicates(t *testing.T) {
	idx := New(1)
	p, _ := netaddr.ParseV4("192.0.2.0/24")
	idx.ApplyRouteV4(p, 1, false, nopLogger())
	idx.ApplyRouteV4(p, 1, false, nopLogger())
	assert.Len(t, idx.GetPrefixesV4(1), 2)
}

func TestApplyRouteV4Delete(t *testing.T) {
	idx := New(1)
	p1, _ := netaddr.ParseV4("192.0.2.0/24")
	p2, _ := netaddr.ParseV4("198.51.100.0/24")
	idx.ApplyRouteV4(p1, 1, false, nopLogger())
	idx.ApplyRouteV4(p2, 1, false, nopLogger())

	idx.ApplyRouteV4(p1, 1, true, nopLogger())
	got := idx.GetPrefixesV4(1)
	require.Len(t, got, 1)
	assert.Equal(t, p2, got[0])
}

func TestApplyRouteV4DeleteMissingIsNotFatal(t *testing.T) {
	idx := New(1)
	p1, _ := netaddr.ParseV4("192.0.2.0/24")
	p2, _ := netaddr.ParseV4("198.51.100.0/24")
	idx.ApplyRouteV4(p1, 1, false, nopLogger())

	idx.ApplyRouteV4(p2, 1, true, nopLogger())
	got := idx.GetPrefixesV4(1)
	require.Len(t, got, 1)
	assert.Equal(t, p1, got[0])
}

func TestApplyRouteV6(t *testing.T) {
	idx := New(1)
	p, err := netaddr.ParseV6("2001:db8:1234::/32")
	require.NoError(t, err)
	idx.ApplyRouteV6(p, 64501, false, nopLogger())

	got := idx.GetPrefixesV6(64501)
	require.Len(t, got, 1)
	assert.Equal(t, "2001:0db8:0000:0000:0000:0000:0000:0000/32", netaddr.StringV6(got[0]))
}

func TestSerialRoundTrip(t *testing.T) {
	idx := New(5)
	assert.EqualValues(t, 5, idx.Serial())
	idx.SetSerial(9)
	assert.EqualValues(t, 9, idx.Serial())
}

func TestSnapshotAndLoad(t *testing.T) {
	idx := New(3)
	idx.ApplyMacro("AS-X", []string{"AS1"}, false, nopLogger())
	p, _ := netaddr.ParseV4("10.0.0.0/8")
	idx.ApplyRouteV4(p, 1, false, nopLogger())

	serial, macros, v4, v6 := idx.Snapshot()

	idx2 := New(0)
	idx2.Load(serial, macros, v4, v6)

	assert.Equal(t, idx.Serial(), idx2.Serial())
	m, ok := idx2.LookupMacro("AS-X")
	require.True(t, ok)
	assert.Equal(t, []string{"AS1"}, m)
	assert.Equal(t, idx.GetPrefixesV4(1), idx2.GetPrefixesV4(1))
}

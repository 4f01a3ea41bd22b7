package rpsl

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func nopLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestParseMacroDef(t *testing.T) {
	obj := Parse([]string{
		"as-set: AS-Chaos",
		"descr: example macro",
		"members: AS64500, AS-Y, as64501",
		"changed: 2020-01-01",
	}, nopLogger())

	assert.Equal(t, KindMacroDef, obj.Kind)
	assert.Equal(t, "AS-CHAOS", obj.MacroName)
	assert.Equal(t, []string{"AS64500", "AS-Y", "AS64501"}, obj.Members)
}

func TestParseRouteV4(t *testing.T) {
	obj := Parse([]string{
		"route: 192.0.2.0/24",
		"descr: test route",
		"origin: AS64500",
		"source: TEST",
	}, nopLogger())

	assert.Equal(t, KindRouteV4, obj.Kind)
	assert.Equal(t, "192.0.2.0/24", obj.Prefix)
	assert.EqualValues(t, 64500, obj.Origin)
}

func TestParseRouteV6(t *testing.T) {
	obj := Parse([]string{
		"route6: 2001:db8::/32",
		"origin: AS64501",
	}, nopLogger())

	assert.Equal(t, KindRouteV6, obj.Kind)
	assert.Equal(t, "2001:db8::/32", obj.Prefix)
	assert.EqualValues(t, 64501, obj.Origin)
}

func TestParseIgnoresNonFirstRouteKey(t *testing.T) {
	// "route" only classifies the object if it's the FIRST attribute.
	obj := Parse([]string{
		"descr: not a route object",
		"route: 192.0.2.0/24",
	}, nopLogger())
	assert.Equal(t, KindNone, obj.Kind)
}

func TestParseUnrelatedObject(t *testing.T) {
	obj := Parse([]string{
		"mntner: EXAMPLE-MNT",
		"descr: irrelevant object",
	}, nopLogger())
	assert.Equal(t, KindNone, obj.Kind)
}

func TestParseContinuationLine(t *testing.T) {
	obj := Parse([]string{
		"as-set: AS-BIG",
		"members: AS64500,",
		"  AS64501, AS-NESTED",
	}, nopLogger())
	assert.Equal(t, []string{"AS64500", "AS64501", "AS-NESTED"}, obj.Members)
}

func TestParseCommentStripped(t *testing.T) {
	obj := Parse([]string{
		"route: 192.0.2.0/24 # comment here",
		"origin: AS64500 # trailing note",
	}, nopLogger())
	assert.Equal(t, "192.0.2.0/24", obj.Prefix)
	assert.EqualValues(t, 64500, obj.Origin)
}

func TestParseBadOriginSkipsAttributeOnly(t *testing.T) {
	obj := Parse([]string{
		"route: 192.0.2.0/24",
		"origin: NOT-AN-ASN",
	}, nopLogger())
	// object classification survives; only the bad attribute is dropped.
	assert.Equal(t, KindRouteV4, obj.Kind)
	assert.EqualValues(t, 0, obj.Origin)
}

func TestParseEmptyMembersTokensDropped(t *testing.T) {
	obj := Parse([]string{
		"as-set: AS-X",
		"members: AS64500, , AS64501,",
	}, nopLogger())
	assert.Equal(t, []string{"AS64500", "AS64501"}, obj.Members)
}

package snapshot

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
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

func sampleData() Data {
	v4a, _ := netaddr.ParseV4("192.0.2.0/24")
	v4b, _ := netaddr.ParseV4("198.51.100.0/24")
	v6a, _ := netaddr.ParseV6("2001:db8::/32")
	return Data{
		Serial: 42,
		Macros: map[string][]string{
			"AS-FOO": {"AS64500", "AS-BAR"},
		},
		ASNv4: map[uint32][]netaddr.V4{
			64500: {v4a, v4b},
		},
		ASNv6: map[uint32][]netaddr.V6{
			64501: {v6a},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := sampleData()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, d))

	got, err := Decode(&buf, nopLogger())
	require.NoError(t, err)

	if diff := cmp.Diff(d, got, cmp.Comparer(func(a, b netaddr.V4) bool { return a == b }), cmp.Comparer(func(a, b netaddr.V6) bool { return a == b })); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("EXXD" + "\x00\x00\x00\x00" + "\x00\x00\x00\x00")
	_, err := Decode(buf, nopLogger())
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeTruncated(t *testing.T) {
	buf := bytes.NewBufferString("ECXD")
	_, err := Decode(buf, nopLogger())
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeReCanonicalizes(t *testing.T) {
	var raw netaddr.V4
	raw[0], raw[1], raw[2], raw[3], raw[4] = 192, 0, 2, 5, 24 // non-canonical host bits

	d := Data{
		Serial: 1,
		Macros: map[string][]string{},
		ASNv4:  map[uint32][]netaddr.V4{1: {raw}},
		ASNv6:  map[uint32][]netaddr.V6{},
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, d))

	got, err := Decode(&buf, nopLogger())
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.0/24", netaddr.StringV4(got.ASNv4[1][0]))
}

func TestWriteFileAtomicAndReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.tiny")

	d := sampleData()
	require.NoError(t, WriteFile(path, d))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no leftover temp file after a successful write")

	got, err := ReadFile(path, nopLogger())
	require.NoError(t, err)
	assert.Equal(t, d.Serial, got.Serial)
	assert.Equal(t, d.Macros, got.Macros)
}

func TestWriteFilePreservesOldSnapshotOnCreateTempFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.tiny")
	require.NoError(t, WriteFile(path, sampleData()))

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// a nonexistent directory makes the temp file creation fail, leaving
	// the existing snapshot untouched.
	badPath := filepath.Join(dir, "missing-subdir", "test.tiny")
	assert.Error(t, WriteFile(badPath, sampleData()))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope.tiny"), nopLogger())
	assert.Error(t, err)
}

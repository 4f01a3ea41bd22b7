// Package snapshot encodes and decodes a registry.Index to the compact
// binary framed format described in spec.md §4.4, and writes it to disk
// with temp-then-rename durability.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/bgp/irrcache/internal/netaddr"
)

var magic = [4]byte{'E', 'C', 'X', 'D'}

const (
	recordMacro = 1
	recordIPv4  = 2
	recordIPv6  = 3
)

// Sentinel decode errors classifying a corrupt file. The supervisor does
// not tell them apart from I/O errors: any ReadFile error sends the
// registry to bootstrap.
var (
	ErrBadMagic          = errors.New("snapshot: bad magic")
	ErrTruncated         = errors.New("snapshot: truncated record")
	ErrUnknownRecordType = errors.New("snapshot: unknown record type")
)

// Data is the plain-Go-value view of an index the codec round-trips.
type Data struct {
	Serial uint32
	Macros map[string][]string
	ASNv4  map[uint32][]netaddr.V4
	ASNv6  map[uint32][]netaddr.V6
}

// Encode streams d to w in the framed binary layout. It never buffers
// more than one record at a time, so a registry with millions of routes
// does not force a correspondingly large allocation.
func Encode(w io.Writer, d Data) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.Write(magic[:]); err != nil {
		return err
	}
	if err := writeU32(bw, d.Serial); err != nil {
		return err
	}

	for name, members := range d.Macros {
		if err := writeMacroRecord(bw, name, members); err != nil {
			return err
		}
	}
	for asn, prefixes := range d.ASNv4 {
		if err := writeV4Record(bw, asn, prefixes); err != nil {
			return err
		}
	}
	for asn, prefixes := range d.ASNv6 {
		if err := writeV6Record(bw, asn, prefixes); err != nil {
			return err
		}
	}

	if err := writeU32(bw, 0); err != nil { // terminator
		return err
	}
	return bw.Flush()
}

func writeMacroRecord(w *bufio.Writer, name string, members []string) error {
	js, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("snapshot: marshal macro %s: %w", name, err)
	}
	payloadLen := 2 + len(name) + 4 + len(js)
	if err := writeU32(w, uint32(1+payloadLen)); err != nil {
		return err
	}
	if err := w.WriteByte(recordMacro); err != nil {
		return err
	}
	if err := writeU16(w, uint16(len(name))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, name); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(js))); err != nil {
		return err
	}
	_, err = w.Write(js)
	return err
}

func writeV4Record(w *bufio.Writer, asn uint32, prefixes []netaddr.V4) error {
	payloadLen := 4 + 4 + len(prefixes)*5
	if err := writeU32(w, uint32(1+payloadLen)); err != nil {
		return err
	}
	if err := w.WriteByte(recordIPv4); err != nil {
		return err
	}
	if err := writeU32(w, asn); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(prefixes))); err != nil {
		return err
	}
	for _, p := range prefixes {
		if _, err := w.Write(p[:]); err != nil {
			return err
		}
	}
	return nil
}

func writeV6Record(w *bufio.Writer, asn uint32, prefixes []netaddr.V6) error {
	payloadLen := 4 + 4 + len(prefixes)*17
	if err := writeU32(w, uint32(1+payloadLen)); err != nil {
		return err
	}
	if err := w.WriteByte(recordIPv6); err != nil {
		return err
	}
	if err := writeU32(w, asn); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(prefixes))); err != nil {
		return err
	}
	for _, p := range prefixes {
		if _, err := w.Write(p[:]); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads the framed binary layout from r. Every prefix is
// re-canonicalized on the way in; a mismatch (a legacy snapshot written
// before canonicalization was enforced) is reported through log rather
// than treated as corruption.
func Decode(r io.Reader, log *logrus.Entry) (Data, error) {
	var d Data
	d.Macros = make(map[string][]string)
	d.ASNv4 = make(map[uint32][]netaddr.V4)
	d.ASNv6 = make(map[uint32][]netaddr.V6)

	br := bufio.NewReader(r)

	var gotMagic [4]byte
	if _, err := io.ReadFull(br, gotMagic[:]); err != nil {
		return d, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if gotMagic != magic {
		return d, fmt.Errorf("%w: got %q", ErrBadMagic, gotMagic)
	}

	serial, err := readU32(br)
	if err != nil {
		return d, fmt.Errorf("%w: serial: %v", ErrTruncated, err)
	}
	d.Serial = serial

	for {
		length, err := readU32(br)
		if err != nil {
			return d, fmt.Errorf("%w: record length: %v", ErrTruncated, err)
		}
		if length == 0 {
			break
		}

		typ, err := br.ReadByte()
		if err != nil {
			return d, fmt.Errorf("%w: record type: %v", ErrTruncated, err)
		}
		payload := make([]byte, length-1)
		if _, err := io.ReadFull(br, payload); err != nil {
			return d, fmt.Errorf("%w: record payload: %v", ErrTruncated, err)
		}

		switch typ {
		case recordMacro:
			name, members, err := decodeMacroRecord(payload)
			if err != nil {
				return d, err
			}
			d.Macros[name] = members
		case recordIPv4:
			asn, prefixes, err := decodeV4Record(payload, log)
			if err != nil {
				return d, err
			}
			d.ASNv4[asn] = prefixes
		case recordIPv6:
			asn, prefixes, err := decodeV6Record(payload, log)
			if err != nil {
				return d, err
			}
			d.ASNv6[asn] = prefixes
		default:
			return d, fmt.Errorf("%w: %d", ErrUnknownRecordType, typ)
		}
	}
	return d, nil
}

func decodeMacroRecord(payload []byte) (name string, members []string, err error) {
	if len(payload) < 2 {
		return "", nil, fmt.Errorf("%w: macro header", ErrTruncated)
	}
	nameLen := int(binary.BigEndian.Uint16(payload))
	payload = payload[2:]
	if len(payload) < nameLen+4 {
		return "", nil, fmt.Errorf("%w: macro name/json header", ErrTruncated)
	}
	name = string(payload[:nameLen])
	payload = payload[nameLen:]
	jsonLen := int(binary.BigEndian.Uint32(payload))
	payload = payload[4:]
	if len(payload) < jsonLen {
		return "", nil, fmt.Errorf("%w: macro json body", ErrTruncated)
	}
	if err := json.Unmarshal(payload[:jsonLen], &members); err != nil {
		return "", nil, fmt.Errorf("snapshot: unmarshal macro %s: %w", name, err)
	}
	return name, members, nil
}

func decodeV4Record(payload []byte, log *logrus.Entry) (asn uint32, prefixes []netaddr.V4, err error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("%w: v4 header", ErrTruncated)
	}
	asn = binary.BigEndian.Uint32(payload)
	count := binary.BigEndian.Uint32(payload[4:])
	payload = payload[8:]
	if uint64(len(payload)) < uint64(count)*5 {
		return 0, nil, fmt.Errorf("%w: v4 body", ErrTruncated)
	}
	prefixes = make([]netaddr.V4, count)
	for i := range prefixes {
		var p netaddr.V4
		copy(p[:], payload[i*5:i*5+5])
		canon, changed := netaddr.CanonicalizeV4(p)
		if changed && log != nil {
			log.Warnf("snapshot: legacy non-canonical v4 prefix %s corrected to %s", netaddr.StringV4(p), netaddr.StringV4(canon))
		}
		prefixes[i] = canon
	}
	return asn, prefixes, nil
}

func decodeV6Record(payload []byte, log *logrus.Entry) (asn uint32, prefixes []netaddr.V6, err error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("%w: v6 header", ErrTruncated)
	}
	asn = binary.BigEndian.Uint32(payload)
	count := binary.BigEndian.Uint32(payload[4:])
	payload = payload[8:]
	if uint64(len(payload)) < uint64(count)*17 {
		return 0, nil, fmt.Errorf("%w: v6 body", ErrTruncated)
	}
	prefixes = make([]netaddr.V6, count)
	for i := range prefixes {
		var p netaddr.V6
		copy(p[:], payload[i*17:i*17+17])
		canon, changed := netaddr.CanonicalizeV6(p)
		if changed && log != nil {
			log.Warnf("snapshot: legacy non-canonical v6 prefix %s corrected to %s", netaddr.StringV6(p), netaddr.StringV6(canon))
		}
		prefixes[i] = canon
	}
	return asn, prefixes, nil
}

// WriteFile encodes d and installs it at path atomically: it writes to a
// sibling temp file, fsyncs it, then renames over path. On any failure
// the temp file is removed and the previous snapshot at path (if any) is
// left untouched.
func WriteFile(path string, d Data) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if err := Encode(tmp, d); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := unix.Fsync(int(tmp.Fd())); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("snapshot: rename into place: %w", err)
	}
	return nil
}

// ReadFile decodes the snapshot at path. A missing or corrupt file
// returns a wrapped ErrBadMagic/ErrTruncated/ErrUnknownRecordType (or the
// raw os.Open error), which the supervisor treats as "fall back to
// bootstrap."
func ReadFile(path string, log *logrus.Entry) (Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return Data{}, err
	}
	defer f.Close()
	return Decode(f, log)
}

func writeU16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

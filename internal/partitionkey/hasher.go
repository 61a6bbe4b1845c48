package partitionkey

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"unicode/utf16"

	"github.com/twmb/murmur3"

	"github.com/devrev/pairdb/partition-router/internal/errors"
)

// Kind is the partitioning scheme of a collection
type Kind string

const (
	KindHash      Kind = "Hash"
	KindMultiHash Kind = "MultiHash"
)

// Version is the hash scheme version of a collection
type Version int

const (
	V1 Version = 1
	V2 Version = 2
)

const (
	// MaxHierarchicalComponents is the deepest hierarchical partition key supported
	MaxHierarchicalComponents = 3

	// V1 hashing only looks at this many UTF-16 code units of a string
	maxV1StringLength = 100

	// V1 binary encoding keeps at most this many UTF-8 bytes of a string
	// before the terminator. Longer strings are cut one byte later and left
	// unterminated.
	maxV1StringBytes = 100
)

// Component type markers shared by the hash input and the binary encoding
const (
	markerUndefined byte = 0x00
	markerNull      byte = 0x01
	markerFalse     byte = 0x02
	markerTrue      byte = 0x03
	markerNumber    byte = 0x05
	markerString    byte = 0x08

	stringTerminatorV1 byte = 0x00
	stringTerminatorV2 byte = 0xFF
)

// Hash returns the effective partition key for values under the given scheme.
// An empty tuple maps to the minimum of the ring.
func Hash(values []Value, kind Kind, version Version) (string, error) {
	for i, v := range values {
		if err := v.validate(); err != nil {
			return "", fmt.Errorf("partition key component %d: %w", i, err)
		}
	}
	if len(values) == 0 {
		return "", nil
	}

	switch kind {
	case KindHash:
		switch version {
		case V1:
			return hashV1(values), nil
		case V2:
			return hashV2(values), nil
		}
		return "", errors.InvalidArgument(fmt.Sprintf("unsupported hash version %d", version), nil)
	case KindMultiHash:
		if version != V2 {
			return "", errors.InvalidArgument(fmt.Sprintf("hierarchical partition keys require hash version 2, got %d", version), nil)
		}
		if len(values) > MaxHierarchicalComponents {
			return "", errors.InvalidArgument(
				fmt.Sprintf("hierarchical partition key has %d components, maximum is %d", len(values), MaxHierarchicalComponents), nil)
		}
		var sb strings.Builder
		for _, v := range values {
			sb.WriteString(hashV2([]Value{v}))
		}
		return sb.String(), nil
	}
	return "", errors.InvalidArgument(fmt.Sprintf("unsupported partition kind %q", kind), nil)
}

func hashV2(values []Value) string {
	var buf []byte
	for _, v := range values {
		buf = appendHashInput(buf, v, v.str, stringTerminatorV2)
	}

	h1, h2 := murmur3.Sum128(buf)

	var out [16]byte
	binary.BigEndian.PutUint64(out[0:8], h2)
	binary.BigEndian.PutUint64(out[8:16], h1)
	// the two high bits are reserved by the service
	out[0] &= 0x3F

	return strings.ToUpper(hex.EncodeToString(out[:]))
}

func hashV1(values []Value) string {
	truncated := make([]Value, len(values))
	var buf []byte
	for i, v := range values {
		if v.kind == kindString {
			v = String(truncateUTF16(v.str, maxV1StringLength))
		}
		truncated[i] = v
		buf = appendHashInput(buf, v, v.str, stringTerminatorV1)
	}

	hash := float64(murmur3.Sum32(buf))

	out := appendBinaryNumber(nil, hash)
	for _, v := range truncated {
		out = appendBinary(out, v)
	}
	return strings.ToUpper(hex.EncodeToString(out))
}

func appendHashInput(buf []byte, v Value, s string, terminator byte) []byte {
	switch v.kind {
	case kindUndefined:
		return append(buf, markerUndefined)
	case kindNull:
		return append(buf, markerNull)
	case kindBool:
		if v.b {
			return append(buf, markerTrue)
		}
		return append(buf, markerFalse)
	case kindNumber:
		buf = append(buf, markerNumber)
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.num))
	case kindString:
		buf = append(buf, markerString)
		buf = append(buf, s...)
		return append(buf, terminator)
	}
	return buf
}

// appendBinary writes the order-preserving encoding used by V1 keys
func appendBinary(buf []byte, v Value) []byte {
	switch v.kind {
	case kindNumber:
		return appendBinaryNumber(buf, v.num)
	case kindString:
		buf = append(buf, markerString)
		short := len(v.str) <= maxV1StringBytes
		n := len(v.str)
		if !short {
			n = maxV1StringBytes + 1
		}
		for i := 0; i < n; i++ {
			b := v.str[i]
			if b < 0xFF {
				b++
			}
			buf = append(buf, b)
		}
		if short {
			buf = append(buf, 0x00)
		}
		return buf
	}
	return appendHashInput(buf, v, "", 0)
}

// appendBinaryNumber writes a float64 so that byte order matches numeric order,
// seven payload bits per byte with the low bit marking continuation.
func appendBinaryNumber(buf []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) == 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits + 1
	}

	buf = append(buf, markerNumber, byte(bits>>56))
	bits <<= 8

	var b byte
	first := true
	for {
		if !first {
			buf = append(buf, b)
		}
		first = false
		b = byte(bits>>56) | 1
		bits <<= 7
		if bits == 0 {
			break
		}
	}
	return append(buf, b&0xFE)
}

func truncateUTF16(s string, maxUnits int) string {
	units := 0
	for i, r := range s {
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		if units+n > maxUnits {
			return s[:i]
		}
		units += n
	}
	return s
}

// isValidEPK reports whether s is an uppercase hex string usable as a ring position
func isValidEPK(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// ValidateEPK checks that s is a well-formed effective partition key
func ValidateEPK(s string) error {
	if !isValidEPK(s) {
		return errors.InvalidArgument(fmt.Sprintf("invalid effective partition key %q", s), nil)
	}
	return nil
}

package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"
)

// ErrNonCanonicalNumber is returned when a value contains a number that has
// no canonical textual form (negative zero, NaN, infinities).
var ErrNonCanonicalNumber = errors.New("value contains a non-canonical number")

// CanonicalMarshal serializes a value to its canonical byte form: object keys
// sorted lexicographically, arrays in given order, no whitespace, all runes
// above ASCII escaped as \uXXXX, numbers in their shortest form, null distinct
// from absent. Two implementations folding the same value must produce
// byte-identical output; every hash and signature in the protocol is taken
// over these bytes.
func CanonicalMarshal(v interface{}) ([]byte, error) {
	// Round-trip through encoding/json first so struct tags and custom
	// marshalers apply, then re-decode with UseNumber so numeric literals
	// survive verbatim.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var tree interface{}
	if err = dec.Decode(&tree); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err = writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalHash returns the SHA-256 of the canonical form.
func CanonicalHash(v interface{}) ([32]byte, error) {
	data, err := CanonicalMarshal(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// CanonicalHashHex returns the lowercase hex SHA-256 of the canonical form.
func CanonicalHashHex(v interface{}) (string, error) {
	sum, err := CanonicalHash(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) (err error) {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		return writeCanonicalNumber(buf, t)
	case string:
		writeCanonicalString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err = writeCanonical(buf, el); err != nil {
				return
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalString(buf, k)
			buf.WriteByte(':')
			if err = writeCanonical(buf, t[k]); err != nil {
				return
			}
		}
		buf.WriteByte('}')
	default:
		err = fmt.Errorf("cannot canonicalize %T", v)
	}
	return
}

func writeCanonicalNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if s == "-0" || strings.HasPrefix(s, "-0.") && strings.Trim(s[3:], "0") == "" {
		return ErrNonCanonicalNumber
	}

	// Integer literals pass through verbatim, they are already shortest.
	if !strings.ContainsAny(s, ".eE") {
		buf.WriteString(s)
		return nil
	}

	// Fractional values are normalized through the float formatter so that
	// 1.50 and 1.5 canonicalize identically.
	f, err := n.Float64()
	if err != nil {
		return err
	}
	if f != f || f > 1.7976931348623157e308 || f < -1.7976931348623157e308 {
		return ErrNonCanonicalNumber
	}
	out, err := json.Marshal(f)
	if err != nil {
		return err
	}
	buf.Write(out)
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) {
	const hexDigits = "0123456789abcdef"

	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r >= 0x20 && r < 0x7f:
			buf.WriteByte(byte(r))
		case r <= 0xffff:
			buf.WriteString(`\u`)
			buf.WriteByte(hexDigits[r>>12&0xf])
			buf.WriteByte(hexDigits[r>>8&0xf])
			buf.WriteByte(hexDigits[r>>4&0xf])
			buf.WriteByte(hexDigits[r&0xf])
		default:
			// Astral plane, escape as a surrogate pair.
			r1, r2 := utf16.EncodeRune(r)
			for _, u := range []rune{r1, r2} {
				buf.WriteString(`\u`)
				buf.WriteByte(hexDigits[u>>12&0xf])
				buf.WriteByte(hexDigits[u>>8&0xf])
				buf.WriteByte(hexDigits[u>>4&0xf])
				buf.WriteByte(hexDigits[u&0xf])
			}
		}
	}
	buf.WriteByte('"')
}

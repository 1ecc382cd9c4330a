package integrity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Canonical serializes a JSON-compatible Go value into its canonical form:
// UTF-8, object keys sorted lexicographically, no insignificant whitespace,
// numbers in shortest round-trip form, strings normalized to NFC.
//
// Accepted value types mirror what encoding/json would decode into an
// interface{}: nil, bool, float64, json.Number, string, []interface{}, and
// map[string]interface{}. Integers are also accepted directly (int, int64,
// uint64) so callers building values in Go don't have to round-trip
// through float64 first.
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encodeCanonicalString(buf, val)
	case float64:
		encodeCanonicalNumber(buf, val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return err
		}
		encodeCanonicalNumber(buf, f)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case []any:
		return encodeCanonicalArray(buf, val)
	case map[string]any:
		return encodeCanonicalObject(buf, val)
	default:
		return fmt.Errorf("unsupported type %T for canonical encoding", v)
	}
	return nil
}

func encodeCanonicalString(buf *bytes.Buffer, s string) {
	normalized := norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range normalized {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func encodeCanonicalNumber(buf *bytes.Buffer, f float64) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		// JSON has no representation for these, so they are written as
		// null.
		buf.WriteString("null")
		return
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	// 'g' with -1 precision asks strconv for the shortest string that
	// round-trips back to the same float64 — this is what "shortest
	// round-trip form" means in practice.
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

func encodeCanonicalArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeCanonical(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeCanonicalObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeCanonicalString(buf, k)
		buf.WriteByte(':')
		if err := encodeCanonical(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// Package canonical turns structured request payloads into a byte-stable
// serialization and a SHA-256 digest. The digest is the universal
// identity of a pipeline run: equal logical inputs must hash equal
// across processes and across re-runs, so the serialization pins key
// order, separators, numeric formatting and null handling.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// ErrCanonicalization marks a value that cannot be serialized
// deterministically. Callers must reject the request before any run row
// is created.
var ErrCanonicalization = errors.New("canonical: unsupported value")

// Marshal produces the canonical byte form of v: object keys sorted,
// no whitespace, floats in shortest round-trip form, dates and times in
// ISO-8601, nulls explicit.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the lowercase-hex SHA-256 of the canonical form of v.
func Hash(v any) (string, error) {
	raw, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// ISODater is implemented by calendar-day values (domain.Date). They
// canonicalize to their ISO-8601 string form.
type ISODater interface {
	String() string
	IsZero() bool
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeString(buf, x)
	case int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(x, 10))
	case float32:
		return writeFloat(buf, float64(x))
	case float64:
		return writeFloat(buf, x)
	case time.Time:
		return writeString(buf, x.UTC().Format(time.RFC3339))
	case map[string]any:
		return writeObject(buf, x)
	case map[string]string:
		m := make(map[string]any, len(x))
		for k, s := range x {
			m[k] = s
		}
		return writeObject(buf, m)
	case []any:
		return writeArray(buf, x)
	case []string:
		arr := make([]any, len(x))
		for i, s := range x {
			arr[i] = s
		}
		return writeArray(buf, arr)
	case []float64:
		arr := make([]any, len(x))
		for i, f := range x {
			arr[i] = f
		}
		return writeArray(buf, arr)
	default:
		if d, ok := v.(ISODater); ok {
			if d.IsZero() {
				buf.WriteString("null")
				return nil
			}
			return writeString(buf, d.String())
		}
		return fmt.Errorf("%w: %T", ErrCanonicalization, v)
	}
	return nil
}

func writeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	// encoding/json escaping is stable; HTML escaping is disabled so the
	// byte form does not depend on Go's default encoder settings.
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("%w: string encode: %v", ErrCanonicalization, err)
	}
	// Encoder appends a newline which must not leak into the byte form.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// writeFloat renders the shortest decimal that round-trips the float64.
// NaN and infinities have no canonical form and are rejected.
func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite float", ErrCanonicalization)
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

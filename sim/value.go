package sim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/cmplx"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// NamedPoint is a tagged scalar: a name paired with a double.
type NamedPoint struct {
	Name  string  `msgpack:"n" json:"name"`
	Value float64 `msgpack:"v" json:"value"`
}

// Value is an encoded payload tagged with its DataType. Raw values carry
// their bytes untouched; every other kind is msgpack encoded so that the
// same bytes can be compared for change detection and sent on the wire.
type Value struct {
	Type DataType `msgpack:"t"`
	Data []byte   `msgpack:"d"`
}

// IsEmpty reports whether v holds no payload at all.
func (v Value) IsEmpty() bool { return v.Data == nil }

// Equal compares type and encoded bytes.
func (v Value) Equal(o Value) bool {
	return v.Type == o.Type && bytes.Equal(v.Data, o.Data)
}

// NewValue encodes a Go value. Accepted kinds are bool, every integer and
// float width, complex64/128, string, []float64, []complex128, NamedPoint,
// []byte, Time and Value itself.
func NewValue(x any) (Value, error) {
	var (
		t DataType
		c any
	)
	switch v := x.(type) {
	case Value:
		return v, nil
	case bool:
		t, c = DataTypeBool, v
	case int:
		t, c = DataTypeInt, int64(v)
	case int8:
		t, c = DataTypeInt, int64(v)
	case int16:
		t, c = DataTypeInt, int64(v)
	case int32:
		t, c = DataTypeInt, int64(v)
	case int64:
		t, c = DataTypeInt, v
	case uint:
		t, c = DataTypeInt, int64(v)
	case uint8:
		t, c = DataTypeInt, int64(v)
	case uint16:
		t, c = DataTypeInt, int64(v)
	case uint32:
		t, c = DataTypeInt, int64(v)
	case uint64:
		t, c = DataTypeInt, int64(v)
	case float32:
		t, c = DataTypeDouble, float64(v)
	case float64:
		t, c = DataTypeDouble, v
	case Time:
		t, c = DataTypeTime, float64(v)
	case complex64:
		t, c = DataTypeComplex, complex128(v)
	case complex128:
		t, c = DataTypeComplex, v
	case string:
		t, c = DataTypeString, v
	case []float64:
		t, c = DataTypeVector, v
	case []complex128:
		t, c = DataTypeComplexVec, v
	case NamedPoint:
		t, c = DataTypeNamedPoint, v
	case []byte:
		return Value{Type: DataTypeRaw, Data: append([]byte{}, v...)}, nil
	default:
		return Value{}, Errorf(CodeInvalidArgument, "encode value", "unsupported value kind %T", x)
	}
	return encodeCanonical(t, c)
}

func encodeCanonical(t DataType, c any) (Value, error) {
	if t == DataTypeRaw {
		b, _ := c.([]byte)
		return Value{Type: DataTypeRaw, Data: append([]byte{}, b...)}, nil
	}
	var wire any = c
	switch v := c.(type) {
	case complex128:
		wire = [2]float64{real(v), imag(v)}
	case []complex128:
		flat := make([]float64, 0, 2*len(v))
		for _, z := range v {
			flat = append(flat, real(z), imag(z))
		}
		wire = flat
	}
	data, err := msgpack.Marshal(wire)
	if err != nil {
		return Value{}, &Error{Code: CodeInvalidArgument, Op: "encode value", Err: err}
	}
	return Value{Type: t, Data: data}, nil
}

// Decode returns the payload in its canonical Go form: bool, int64,
// float64, complex128, string, []float64, []complex128, NamedPoint, Time
// or []byte.
func (v Value) Decode() (any, error) {
	if v.Data == nil {
		return nil, Errorf(CodeInvalidArgument, "decode value", "empty value")
	}
	var err error
	switch v.Type {
	case DataTypeRaw, DataTypeAny, DataTypeUnknown:
		return append([]byte{}, v.Data...), nil
	case DataTypeBool:
		var b bool
		err = msgpack.Unmarshal(v.Data, &b)
		return b, wrapDecode(err)
	case DataTypeInt:
		var i int64
		err = msgpack.Unmarshal(v.Data, &i)
		return i, wrapDecode(err)
	case DataTypeDouble:
		var f float64
		err = msgpack.Unmarshal(v.Data, &f)
		return f, wrapDecode(err)
	case DataTypeTime:
		var f float64
		err = msgpack.Unmarshal(v.Data, &f)
		return Time(f), wrapDecode(err)
	case DataTypeComplex:
		var p [2]float64
		err = msgpack.Unmarshal(v.Data, &p)
		return complex(p[0], p[1]), wrapDecode(err)
	case DataTypeString:
		var s string
		err = msgpack.Unmarshal(v.Data, &s)
		return s, wrapDecode(err)
	case DataTypeVector:
		var vec []float64
		err = msgpack.Unmarshal(v.Data, &vec)
		return vec, wrapDecode(err)
	case DataTypeComplexVec:
		var flat []float64
		if err = msgpack.Unmarshal(v.Data, &flat); err != nil {
			return nil, wrapDecode(err)
		}
		out := make([]complex128, len(flat)/2)
		for i := range out {
			out[i] = complex(flat[2*i], flat[2*i+1])
		}
		return out, nil
	case DataTypeNamedPoint:
		var np NamedPoint
		err = msgpack.Unmarshal(v.Data, &np)
		return np, wrapDecode(err)
	}
	return nil, Errorf(CodeInvalidArgument, "decode value", "unknown data type %d", int(v.Type))
}

func wrapDecode(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: CodeInvalidArgument, Op: "decode value", Err: err}
}

// ConvertTo re-encodes v as data type t. Converting to any, unknown or the
// same type returns v unchanged.
func (v Value) ConvertTo(t DataType) (Value, error) {
	if t == v.Type || t == DataTypeAny || t == DataTypeUnknown {
		return v, nil
	}
	c, err := v.Decode()
	if err != nil {
		return Value{}, err
	}
	var out any
	switch t {
	case DataTypeBool:
		out, err = toBool(c)
	case DataTypeInt:
		out, err = toInt(c)
	case DataTypeDouble:
		out, err = toDouble(c)
	case DataTypeTime:
		var f float64
		f, err = toDouble(c)
		out = f
	case DataTypeComplex:
		out, err = toComplex(c)
	case DataTypeString:
		out = toString(c)
	case DataTypeVector:
		out, err = toVector(c)
	case DataTypeComplexVec:
		out, err = toComplexVector(c)
	case DataTypeNamedPoint:
		out, err = toNamedPoint(c)
	case DataTypeRaw:
		out = toRaw(c)
	default:
		return Value{}, Errorf(CodeInvalidArgument, "convert value", "unknown data type %d", int(t))
	}
	if err != nil {
		return Value{}, err
	}
	return encodeCanonical(t, out)
}

// AsBool decodes v as a boolean.
func (v Value) AsBool() (bool, error) {
	c, err := v.Decode()
	if err != nil {
		return false, err
	}
	return toBool(c)
}

// AsInt decodes v as an integer; doubles truncate toward zero.
func (v Value) AsInt() (int64, error) {
	c, err := v.Decode()
	if err != nil {
		return 0, err
	}
	return toInt(c)
}

// AsDouble decodes v as a double.
func (v Value) AsDouble() (float64, error) {
	c, err := v.Decode()
	if err != nil {
		return 0, err
	}
	return toDouble(c)
}

// AsComplex decodes v as a complex number.
func (v Value) AsComplex() (complex128, error) {
	c, err := v.Decode()
	if err != nil {
		return 0, err
	}
	return toComplex(c)
}

// AsString formats v as text.
func (v Value) AsString() (string, error) {
	c, err := v.Decode()
	if err != nil {
		return "", err
	}
	return toString(c), nil
}

// AsVector decodes v as a vector of doubles.
func (v Value) AsVector() ([]float64, error) {
	c, err := v.Decode()
	if err != nil {
		return nil, err
	}
	return toVector(c)
}

// AsComplexVector decodes v as a vector of complex numbers.
func (v Value) AsComplexVector() ([]complex128, error) {
	c, err := v.Decode()
	if err != nil {
		return nil, err
	}
	return toComplexVector(c)
}

// AsNamedPoint decodes v as a named point.
func (v Value) AsNamedPoint() (NamedPoint, error) {
	c, err := v.Decode()
	if err != nil {
		return NamedPoint{}, err
	}
	return toNamedPoint(c)
}

// AsRaw returns the payload bytes. Raw values are returned verbatim,
// strings as their bytes, everything else as its text form.
func (v Value) AsRaw() ([]byte, error) {
	c, err := v.Decode()
	if err != nil {
		return nil, err
	}
	return toRaw(c), nil
}

func (v Value) String() string {
	if v.Data == nil {
		return "<empty>"
	}
	s, err := v.AsString()
	if err != nil {
		return fmt.Sprintf("<%s: %v>", v.Type, err)
	}
	return s
}

func convertErr(c any, target string) error {
	return Errorf(CodeInvalidArgument, "convert value", "cannot convert %T to %s", c, target)
}

func toBool(c any) (bool, error) {
	switch v := c.(type) {
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case Time:
		return v != 0, nil
	case complex128:
		return v != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "", "0", "false", "f", "off", "no", "n", "disabled":
			return false, nil
		}
		return true, nil
	case []float64:
		return len(v) > 0 && v[0] != 0, nil
	case []complex128:
		return len(v) > 0 && v[0] != 0, nil
	case NamedPoint:
		return v.Value != 0 && !math.IsNaN(v.Value), nil
	case []byte:
		return toBool(string(v))
	}
	return false, convertErr(c, "bool")
}

func toDouble(c any) (float64, error) {
	switch v := c.(type) {
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case Time:
		return float64(v), nil
	case complex128:
		if imag(v) == 0 {
			return real(v), nil
		}
		return cmplx.Abs(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, &Error{Code: CodeInvalidArgument, Op: "convert value", Err: err}
		}
		return f, nil
	case []float64:
		if len(v) == 0 {
			return 0, nil
		}
		return v[0], nil
	case []complex128:
		if len(v) == 0 {
			return 0, nil
		}
		return toDouble(v[0])
	case NamedPoint:
		return v.Value, nil
	case []byte:
		return toDouble(string(v))
	}
	return 0, convertErr(c, "double")
}

func toInt(c any) (int64, error) {
	switch v := c.(type) {
	case int64:
		return v, nil
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return i, nil
		}
	}
	f, err := toDouble(c)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

func toComplex(c any) (complex128, error) {
	switch v := c.(type) {
	case complex128:
		return v, nil
	case string:
		if z, err := strconv.ParseComplex(strings.TrimSpace(v), 128); err == nil {
			return z, nil
		}
	case []float64:
		switch len(v) {
		case 0:
			return 0, nil
		case 1:
			return complex(v[0], 0), nil
		}
		return complex(v[0], v[1]), nil
	case []complex128:
		if len(v) == 0 {
			return 0, nil
		}
		return v[0], nil
	}
	f, err := toDouble(c)
	if err != nil {
		return 0, err
	}
	return complex(f, 0), nil
}

func toString(c any) string {
	switch v := c.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case Time:
		return v.String()
	case complex128:
		return strconv.FormatComplex(v, 'g', -1, 128)
	case []float64:
		parts := make([]string, len(v))
		for i, f := range v {
			parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case []complex128:
		parts := make([]string, len(v))
		for i, z := range v {
			parts[i] = strconv.FormatComplex(z, 'g', -1, 128)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case NamedPoint:
		if math.IsNaN(v.Value) {
			return v.Name
		}
		b, _ := json.Marshal(map[string]float64{v.Name: v.Value})
		return string(b)
	case []byte:
		return string(v)
	}
	return fmt.Sprint(c)
}

func toVector(c any) ([]float64, error) {
	switch v := c.(type) {
	case []float64:
		return append([]float64{}, v...), nil
	case []complex128:
		out := make([]float64, len(v))
		for i, z := range v {
			out[i] = cmplx.Abs(z)
		}
		return out, nil
	case complex128:
		return []float64{real(v), imag(v)}, nil
	case string:
		return parseVector(v)
	case []byte:
		return parseVector(string(v))
	}
	f, err := toDouble(c)
	if err != nil {
		return nil, err
	}
	return []float64{f}, nil
}

func parseVector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if strings.TrimSpace(s) == "" {
		return []float64{}, nil
	}
	fields := strings.Split(s, ",")
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, &Error{Code: CodeInvalidArgument, Op: "convert value", Err: err}
		}
		out = append(out, x)
	}
	return out, nil
}

func toComplexVector(c any) ([]complex128, error) {
	switch v := c.(type) {
	case []complex128:
		return append([]complex128{}, v...), nil
	case []float64:
		out := make([]complex128, len(v))
		for i, f := range v {
			out[i] = complex(f, 0)
		}
		return out, nil
	}
	z, err := toComplex(c)
	if err != nil {
		return nil, err
	}
	return []complex128{z}, nil
}

func toNamedPoint(c any) (NamedPoint, error) {
	switch v := c.(type) {
	case NamedPoint:
		return v, nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return NamedPoint{Name: "value", Value: f}, nil
		}
		return NamedPoint{Name: v, Value: math.NaN()}, nil
	case []byte:
		return toNamedPoint(string(v))
	}
	f, err := toDouble(c)
	if err != nil {
		return NamedPoint{}, err
	}
	return NamedPoint{Name: "value", Value: f}, nil
}

func toRaw(c any) []byte {
	if b, ok := c.([]byte); ok {
		return append([]byte{}, b...)
	}
	return []byte(toString(c))
}

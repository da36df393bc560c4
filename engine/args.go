package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-sandbox/errors"
)

// encodeArgs converts Go values to the wasm stack encoding of params.
// Integers, floats and decimal strings are accepted for numeric types.
func encodeArgs(params []api.ValueType, args []any) ([]uint64, error) {
	if len(args) != len(params) {
		return nil, errors.InvalidInput(errors.PhaseRun,
			fmt.Sprintf("entry point takes %d arguments, got %d", len(params), len(args)))
	}
	out := make([]uint64, len(args))
	for i, t := range params {
		v, err := encodeArg(t, args[i])
		if err != nil {
			return nil, errors.New(errors.PhaseRun, errors.KindInvalidInput).
				Path(fmt.Sprintf("arg%d", i)).Value(args[i]).Cause(err).
				Detail("cannot encode argument %d as %s", i, api.ValueTypeName(t)).Build()
		}
		out[i] = v
	}
	return out, nil
}

func encodeArg(t api.ValueType, v any) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		n, err := toInt(v, 32)
		if err != nil {
			return 0, err
		}
		return api.EncodeU32(uint32(n)), nil
	case api.ValueTypeI64:
		n, err := toInt(v, 64)
		if err != nil {
			return 0, err
		}
		return uint64(n), nil
	case api.ValueTypeF32:
		f, err := toFloat(v)
		if err != nil {
			return 0, err
		}
		return api.EncodeF32(float32(f)), nil
	case api.ValueTypeF64:
		f, err := toFloat(v)
		if err != nil {
			return 0, err
		}
		return api.EncodeF64(f), nil
	}
	return 0, fmt.Errorf("unsupported parameter type %s", api.ValueTypeName(t))
}

// toInt accepts signed values and unsigned values that fit in bits, so both
// -1 and 4294967295 encode the same i32.
func toInt(v any, bits int) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, fmt.Errorf("%d out of range", x)
		}
		n = int64(x)
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint64:
		if bits == 64 {
			return int64(x), nil
		}
		if x > math.MaxUint32 {
			return 0, fmt.Errorf("%d out of range", x)
		}
		n = int64(x)
	case string:
		s := strings.TrimSpace(x)
		p, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			u, uerr := strconv.ParseUint(s, 10, 64)
			if uerr != nil {
				return 0, err
			}
			return toInt(u, bits)
		}
		n = p
	default:
		return 0, fmt.Errorf("%T is not an integer", v)
	}
	if bits == 32 && (n < math.MinInt32 || n > math.MaxUint32) {
		return 0, fmt.Errorf("%d out of range for i32", n)
	}
	return n, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	n, err := toInt(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%T is not a number", v)
	}
	return float64(n), nil
}

// decodeResults converts raw results per their types: nil for none, the
// single value for one, a slice otherwise.
func decodeResults(types []api.ValueType, raw []uint64) any {
	if len(types) == 0 || len(raw) == 0 {
		return nil
	}
	if len(types) == 1 {
		return decodeValue(types[0], raw[0])
	}
	out := make([]any, len(types))
	for i, t := range types {
		if i < len(raw) {
			out[i] = decodeValue(t, raw[i])
		}
	}
	return out
}

func decodeValue(t api.ValueType, v uint64) any {
	switch t {
	case api.ValueTypeI32:
		return api.DecodeI32(v)
	case api.ValueTypeI64:
		return int64(v)
	case api.ValueTypeF32:
		return api.DecodeF32(v)
	case api.ValueTypeF64:
		return api.DecodeF64(v)
	}
	return v
}

package respio

import (
	"errors"
	"fmt"
	"strconv"
)

var ErrUnsupportedArg = errors.New("unsupported argument type")

// ToArgs converts command arguments to their wire bytes. Strings are sent as
// their UTF-8 bytes, numbers in decimal, bools as 1/0 and nil as "".
func ToArgs(values ...any) ([][]byte, error) {
	args := make([][]byte, 0, len(values))
	for i, v := range values {
		arg, err := toArg(v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args = append(args, arg)
	}
	return args, nil
}

func toArg(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte{}, nil
	case []byte:
		return val, nil
	case string:
		return []byte(val), nil
	case int:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case int8:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case int16:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case int32:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case int64:
		return strconv.AppendInt(nil, val, 10), nil
	case uint:
		return strconv.AppendUint(nil, uint64(val), 10), nil
	case uint8:
		return strconv.AppendUint(nil, uint64(val), 10), nil
	case uint16:
		return strconv.AppendUint(nil, uint64(val), 10), nil
	case uint32:
		return strconv.AppendUint(nil, uint64(val), 10), nil
	case uint64:
		return strconv.AppendUint(nil, val, 10), nil
	case float32:
		return strconv.AppendFloat(nil, float64(val), 'f', -1, 32), nil
	case float64:
		return strconv.AppendFloat(nil, val, 'f', -1, 64), nil
	case bool:
		if val {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	case fmt.Stringer:
		return []byte(val.String()), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedArg, v)
	}
}

// StringArgs converts plain string arguments.
func StringArgs(values ...string) [][]byte {
	args := make([][]byte, len(values))
	for i, v := range values {
		args[i] = []byte(v)
	}
	return args
}

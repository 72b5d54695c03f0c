package sqlacc

import (
	"fmt"
	"reflect"
	"strconv"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// convertValue converts a raw driver value into t. It is the last step of
// the column converter chain and covers what drivers commonly hand back:
// int64/float64/bool/string/[]byte/time.Time, DB null as nil, named types
// over primitives and pointer targets.
func convertValue(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	if t.Kind() == reflect.Pointer {
		ev, err := convertValue(v, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(ev)
		return p, nil
	}

	src := reflect.ValueOf(v)
	if src.Type().AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(src)
		return out, nil
	}

	if reflect.PointerTo(t).Implements(scannerIface) {
		p := reflect.New(t)
		if err := p.Interface().(interface{ Scan(any) error }).Scan(v); err != nil {
			return reflect.Value{}, err
		}
		return p.Elem(), nil
	}

	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := asInt64(v)
		if err != nil {
			return reflect.Value{}, convErr(v, t, err)
		}
		if out.OverflowInt(n) {
			return reflect.Value{}, convErr(v, t, strconv.ErrRange)
		}
		out.SetInt(n)
		return out, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := asInt64(v)
		if err != nil {
			return reflect.Value{}, convErr(v, t, err)
		}
		if n < 0 || out.OverflowUint(uint64(n)) {
			return reflect.Value{}, convErr(v, t, strconv.ErrRange)
		}
		out.SetUint(uint64(n))
		return out, nil
	case reflect.Float32, reflect.Float64:
		f, err := asFloat64(v)
		if err != nil {
			return reflect.Value{}, convErr(v, t, err)
		}
		out.SetFloat(f)
		return out, nil
	case reflect.Bool:
		switch b := v.(type) {
		case bool:
			out.SetBool(b)
			return out, nil
		case int64:
			out.SetBool(b != 0)
			return out, nil
		case string, []byte:
			pb, err := strconv.ParseBool(asString(b))
			if err != nil {
				return reflect.Value{}, convErr(v, t, err)
			}
			out.SetBool(pb)
			return out, nil
		}
	case reflect.String:
		switch s := v.(type) {
		case string, []byte:
			out.SetString(asString(s))
			return out, nil
		case time.Time:
			out.SetString(s.Format(time.RFC3339Nano))
			return out, nil
		default:
			out.SetString(fmt.Sprint(s))
			return out, nil
		}
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			if s, ok := v.(string); ok {
				out.SetBytes([]byte(s))
				return out, nil
			}
		}
	case reflect.Interface:
		if src.Type().Implements(t) {
			out.Set(src)
			return out, nil
		}
	case reflect.Struct:
		if t == timeType && isText(v) {
			s := asString(v)
			for _, layout := range timeLayouts {
				if tm, err := time.Parse(layout, s); err == nil {
					out.Set(reflect.ValueOf(tm))
					return out, nil
				}
			}
		}
	}

	if src.Type().ConvertibleTo(t) {
		return src.Convert(t), nil
	}
	return reflect.Value{}, convErr(v, t, nil)
}

func convErr(v any, t reflect.Type, cause error) error {
	if cause == nil {
		return fmt.Errorf("sqlacc: cannot convert %T to %s", v, t)
	}
	return fmt.Errorf("sqlacc: cannot convert %T to %s: %w", v, t, cause)
}

func isText(v any) bool {
	switch v.(type) {
	case string, []byte:
		return true
	}
	return false
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}

func asInt64(v any) (int64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > 1<<63-1 {
			return 0, strconv.ErrRange
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f != float64(int64(f)) {
			return 0, fmt.Errorf("fractional value %v", f)
		}
		return int64(f), nil
	case reflect.Bool:
		if rv.Bool() {
			return 1, nil
		}
		return 0, nil
	case reflect.String:
		return strconv.ParseInt(rv.String(), 10, 64)
	case reflect.Slice:
		if b, ok := v.([]byte); ok {
			return strconv.ParseInt(string(b), 10, 64)
		}
	}
	return 0, fmt.Errorf("unsupported source %T", v)
}

func asFloat64(v any) (float64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.String:
		return strconv.ParseFloat(rv.String(), 64)
	case reflect.Slice:
		if b, ok := v.([]byte); ok {
			return strconv.ParseFloat(string(b), 64)
		}
	}
	return 0, fmt.Errorf("unsupported source %T", v)
}

package bitpack

import (
	"math"
	"math/bits"
	"reflect"
	"strconv"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// DefaultMaxLen bounds strings and slices with no maxlen tag.
const DefaultMaxLen = 65535

var (
	ErrValueRange  = errors.New("bitpack: value exceeds declared bit width")
	ErrLengthRange = errors.New("bitpack: collection length exceeds maximum")
	ErrInvalidUTF8 = errors.New("bitpack: string is not valid UTF-8")
)

// Marshaler is implemented by types that encode themselves, such as tagged
// unions writing a variant tag before their fields.
type Marshaler interface {
	MarshalBits(w *Writer) error
}

// Unmarshaler is the decoding counterpart of Marshaler.
type Unmarshaler interface {
	UnmarshalBits(r *Reader) error
}

// LenBits reports the width of a length prefix for collections bounded by
// maxLen, enough to represent every length in 0..maxLen.
func LenBits(maxLen int) int {
	return bits.Len(uint(maxLen))
}

// TagBits reports the discriminant width for a union of n variants.
func TagBits(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

type fieldOpts struct {
	width  int // 0 means the type's native width
	maxLen int
}

func defaultOpts() fieldOpts {
	return fieldOpts{maxLen: DefaultMaxLen}
}

// Marshal encodes v into w. Struct fields honor the `bits`, `maxlen` and
// `align` tags; pointers encode as one discriminant bit plus the value when
// present; types implementing Marshaler encode themselves.
func Marshal(w *Writer, v interface{}) error {
	rv := reflect.ValueOf(v)
	// Copy unaddressable roots so pointer-receiver Marshalers are
	// recognized the same way they are in nested fields.
	if !rv.CanAddr() && rv.Kind() != reflect.Ptr {
		p := reflect.New(rv.Type())
		p.Elem().Set(rv)
		rv = p.Elem()
	}
	return marshalValue(w, rv, defaultOpts())
}

// Unmarshal decodes from r into the value pointed to by v.
func Unmarshal(r *Reader, v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.New("bitpack: unmarshal target must be a non-nil pointer")
	}
	return unmarshalValue(r, rv.Elem(), defaultOpts())
}

func marshalValue(w *Writer, v reflect.Value, opts fieldOpts) error {
	if m, ok := asMarshaler(v); ok {
		return m.MarshalBits(w)
	}

	switch v.Kind() {
	case reflect.Bool:
		w.WriteBit(v.Bool())
		return nil

	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		width := opts.width
		if width == 0 {
			width = nativeWidth(v.Type())
		}
		u := v.Uint()
		if width < 64 && u >= 1<<width {
			return errors.Wrapf(ErrValueRange, "value %d in %d bits", u, width)
		}
		return w.WriteBits(u, width)

	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		width := opts.width
		if width == 0 {
			width = nativeWidth(v.Type())
		}
		i := v.Int()
		if width < 64 {
			lo := -(int64(1) << (width - 1))
			hi := int64(1)<<(width-1) - 1
			if i < lo || i > hi {
				return errors.Wrapf(ErrValueRange, "value %d in %d bits", i, width)
			}
		}
		return w.WriteBits(uint64(i), width)

	case reflect.Float32:
		return w.WriteBits(uint64(math.Float32bits(float32(v.Float()))), 32)

	case reflect.Float64:
		return w.WriteBits(math.Float64bits(v.Float()), 64)

	case reflect.String:
		s := v.String()
		if len(s) > opts.maxLen {
			return errors.Wrapf(ErrLengthRange, "string length %d, max %d", len(s), opts.maxLen)
		}
		if err := w.WriteBits(uint64(len(s)), LenBits(opts.maxLen)); err != nil {
			return err
		}
		for i := 0; i < len(s); i++ {
			if err := w.WriteBits(uint64(s[i]), 8); err != nil {
				return err
			}
		}
		return nil

	case reflect.Slice:
		n := v.Len()
		if n > opts.maxLen {
			return errors.Wrapf(ErrLengthRange, "slice length %d, max %d", n, opts.maxLen)
		}
		if err := w.WriteBits(uint64(n), LenBits(opts.maxLen)); err != nil {
			return err
		}
		elemOpts := fieldOpts{width: opts.width, maxLen: DefaultMaxLen}
		for i := 0; i < n; i++ {
			if err := marshalValue(w, v.Index(i), elemOpts); err != nil {
				return err
			}
		}
		return nil

	case reflect.Array:
		elemOpts := fieldOpts{width: opts.width, maxLen: DefaultMaxLen}
		for i := 0; i < v.Len(); i++ {
			if err := marshalValue(w, v.Index(i), elemOpts); err != nil {
				return err
			}
		}
		return nil

	case reflect.Ptr:
		if v.IsNil() {
			w.WriteBit(false)
			return nil
		}
		w.WriteBit(true)
		return marshalValue(w, v.Elem(), opts)

	case reflect.Struct:
		return marshalStruct(w, v)

	default:
		return errors.Errorf("bitpack: unsupported kind %s", v.Kind())
	}
}

func marshalStruct(w *Writer, v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		opts, align, err := parseTags(f)
		if err != nil {
			return err
		}
		if align {
			w.Align()
		}
		if err := marshalValue(w, v.Field(i), opts); err != nil {
			return errors.WithMessagef(err, "field %s.%s", t.Name(), f.Name)
		}
	}
	return nil
}

func unmarshalValue(r *Reader, v reflect.Value, opts fieldOpts) error {
	if u, ok := asUnmarshaler(v); ok {
		return u.UnmarshalBits(r)
	}

	switch v.Kind() {
	case reflect.Bool:
		bit, err := r.ReadBit()
		if err != nil {
			return err
		}
		v.SetBool(bit)
		return nil

	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		width := opts.width
		if width == 0 {
			width = nativeWidth(v.Type())
		}
		u, err := r.ReadBits(width)
		if err != nil {
			return err
		}
		v.SetUint(u)
		return nil

	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		width := opts.width
		if width == 0 {
			width = nativeWidth(v.Type())
		}
		u, err := r.ReadBits(width)
		if err != nil {
			return err
		}
		// Sign-extend sub-width values.
		if width < 64 && u&(1<<(width-1)) != 0 {
			u |= ^uint64(0) << width
		}
		v.SetInt(int64(u))
		return nil

	case reflect.Float32:
		u, err := r.ReadBits(32)
		if err != nil {
			return err
		}
		v.SetFloat(float64(math.Float32frombits(uint32(u))))
		return nil

	case reflect.Float64:
		u, err := r.ReadBits(64)
		if err != nil {
			return err
		}
		v.SetFloat(math.Float64frombits(u))
		return nil

	case reflect.String:
		n, err := r.ReadBits(LenBits(opts.maxLen))
		if err != nil {
			return err
		}
		if int(n) > opts.maxLen {
			return errors.Wrapf(ErrLengthRange, "string length %d, max %d", n, opts.maxLen)
		}
		raw := make([]byte, n)
		for i := range raw {
			b, err := r.ReadBits(8)
			if err != nil {
				return err
			}
			raw[i] = byte(b)
		}
		if !utf8.Valid(raw) {
			return ErrInvalidUTF8
		}
		v.SetString(string(raw))
		return nil

	case reflect.Slice:
		n, err := r.ReadBits(LenBits(opts.maxLen))
		if err != nil {
			return err
		}
		if int(n) > opts.maxLen {
			return errors.Wrapf(ErrLengthRange, "slice length %d, max %d", n, opts.maxLen)
		}
		s := reflect.MakeSlice(v.Type(), int(n), int(n))
		elemOpts := fieldOpts{width: opts.width, maxLen: DefaultMaxLen}
		for i := 0; i < int(n); i++ {
			if err := unmarshalValue(r, s.Index(i), elemOpts); err != nil {
				return err
			}
		}
		v.Set(s)
		return nil

	case reflect.Array:
		elemOpts := fieldOpts{width: opts.width, maxLen: DefaultMaxLen}
		for i := 0; i < v.Len(); i++ {
			if err := unmarshalValue(r, v.Index(i), elemOpts); err != nil {
				return err
			}
		}
		return nil

	case reflect.Ptr:
		present, err := r.ReadBit()
		if err != nil {
			return err
		}
		if !present {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		elem := reflect.New(v.Type().Elem())
		if err := unmarshalValue(r, elem.Elem(), opts); err != nil {
			return err
		}
		v.Set(elem)
		return nil

	case reflect.Struct:
		return unmarshalStruct(r, v)

	default:
		return errors.Errorf("bitpack: unsupported kind %s", v.Kind())
	}
}

func unmarshalStruct(r *Reader, v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		opts, align, err := parseTags(f)
		if err != nil {
			return err
		}
		if align {
			if err := r.Align(); err != nil {
				return err
			}
		}
		if err := unmarshalValue(r, v.Field(i), opts); err != nil {
			return errors.WithMessagef(err, "field %s.%s", t.Name(), f.Name)
		}
	}
	return nil
}

func parseTags(f reflect.StructField) (fieldOpts, bool, error) {
	opts := defaultOpts()
	align := false

	if tag, ok := f.Tag.Lookup("bits"); ok {
		n, err := strconv.Atoi(tag)
		if err != nil || n < 1 || n > 64 {
			return opts, false, errors.Errorf("bitpack: bad bits tag %q on %s", tag, f.Name)
		}
		opts.width = n
	}
	if tag, ok := f.Tag.Lookup("maxlen"); ok {
		n, err := strconv.Atoi(tag)
		if err != nil || n < 1 {
			return opts, false, errors.Errorf("bitpack: bad maxlen tag %q on %s", tag, f.Name)
		}
		opts.maxLen = n
	}
	if tag, ok := f.Tag.Lookup("align"); ok {
		if tag != "byte" {
			return opts, false, errors.Errorf("bitpack: bad align tag %q on %s", tag, f.Name)
		}
		align = true
	}

	return opts, align, nil
}

func nativeWidth(t reflect.Type) int {
	return t.Bits()
}

// Pointers are always treated as optionals, so self-marshalling types are
// only recognized by value (or through the optional's element).
func asMarshaler(v reflect.Value) (Marshaler, bool) {
	if v.Kind() == reflect.Ptr {
		return nil, false
	}
	if m, ok := v.Interface().(Marshaler); ok {
		return m, true
	}
	if v.CanAddr() {
		if m, ok := v.Addr().Interface().(Marshaler); ok {
			return m, true
		}
	}
	return nil, false
}

func asUnmarshaler(v reflect.Value) (Unmarshaler, bool) {
	if v.Kind() == reflect.Ptr {
		return nil, false
	}
	if v.CanAddr() {
		if u, ok := v.Addr().Interface().(Unmarshaler); ok {
			return u, true
		}
	}
	return nil, false
}

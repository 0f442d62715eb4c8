package bencode

import (
	"bytes"
	"errors"
	"fmt"
)

// Bencode has four value kinds:
//   - byte string (<len>:<bytes>)
//   - integer (i<decimal>e)
//   - list (l...e)
//   - dictionary (d<key><value>...e with keys in raw-byte order)
type Kind int

const (
	String Kind = iota
	Integer
	List
	Dictionary
)

var ErrMalformed = errors.New("malformed bencode")

// Value is a decoded bencode value. Byte strings stay raw bytes; callers
// decide whether to treat them as text. Every value remembers the
// [start, end) span it occupied in the decoded buffer so its exact
// on-wire bytes can be recovered (the info-hash depends on this).
type Value struct {
	Kind Kind
	Str  []byte
	Int  int64
	List []Value
	Dict []Entry

	start int
	end   int
}

// Entry is a single dictionary key/value pair in decode order.
type Entry struct {
	Key   []byte
	Value Value
}

// Span returns the [start, end) byte range the value occupied in the
// buffer it was decoded from.
func (v Value) Span() (int, int) {
	return v.start, v.end
}

// Raw slices the value's exact on-wire bytes out of the buffer it was
// decoded from.
func (v Value) Raw(data []byte) []byte {
	return data[v.start:v.end]
}

// Lookup finds a dictionary entry by key.
func (v Value) Lookup(key string) (Value, bool) {
	for _, e := range v.Dict {
		if string(e.Key) == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

type decoder struct {
	data []byte
	pos  int
}

// Decode parses a single bencode value spanning the entire buffer.
func Decode(data []byte) (Value, error) {
	d := decoder{data: data}
	v, err := d.value()
	if err != nil {
		return Value{}, err
	}
	if d.pos != len(data) {
		return Value{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-d.pos)
	}
	return v, nil
}

func (d *decoder) peek() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, fmt.Errorf("%w: unexpected end of input", ErrMalformed)
	}
	return d.data[d.pos], nil
}

func (d *decoder) value() (Value, error) {
	c, err := d.peek()
	if err != nil {
		return Value{}, err
	}
	switch {
	case c == 'i':
		return d.integer()
	case c == 'l':
		return d.list()
	case c == 'd':
		return d.dictionary()
	case c >= '0' && c <= '9':
		return d.str()
	default:
		return Value{}, fmt.Errorf("%w: unexpected byte %q at offset %d", ErrMalformed, c, d.pos)
	}
}

func (d *decoder) str() (Value, error) {
	start := d.pos
	colon := bytes.IndexByte(d.data[d.pos:], ':')
	if colon < 0 {
		return Value{}, fmt.Errorf("%w: string length without ':'", ErrMalformed)
	}
	length := 0
	for _, c := range d.data[d.pos : d.pos+colon] {
		if c < '0' || c > '9' {
			return Value{}, fmt.Errorf("%w: non-digit %q in string length", ErrMalformed, c)
		}
		length = length*10 + int(c-'0')
		if length < 0 {
			return Value{}, fmt.Errorf("%w: string length overflow", ErrMalformed)
		}
	}
	d.pos += colon + 1
	if d.pos+length > len(d.data) {
		return Value{}, fmt.Errorf("%w: string length %d exceeds input", ErrMalformed, length)
	}
	s := d.data[d.pos : d.pos+length]
	d.pos += length
	return Value{Kind: String, Str: s, start: start, end: d.pos}, nil
}

func (d *decoder) integer() (Value, error) {
	start := d.pos
	d.pos++ // 'i'
	e := bytes.IndexByte(d.data[d.pos:], 'e')
	if e < 0 {
		return Value{}, fmt.Errorf("%w: integer without 'e'", ErrMalformed)
	}
	digits := d.data[d.pos : d.pos+e]
	n, err := parseInt(digits)
	if err != nil {
		return Value{}, err
	}
	d.pos += e + 1
	return Value{Kind: Integer, Int: n, start: start, end: d.pos}, nil
}

// parseInt accepts the bencode integer grammar: an optional minus sign
// and decimal digits with no leading zeros. "-0" is malformed.
func parseInt(digits []byte) (int64, error) {
	if len(digits) == 0 {
		return 0, fmt.Errorf("%w: empty integer", ErrMalformed)
	}
	neg := false
	if digits[0] == '-' {
		neg = true
		digits = digits[1:]
		if len(digits) == 0 {
			return 0, fmt.Errorf("%w: bare '-' integer", ErrMalformed)
		}
	}
	if digits[0] == '0' && (neg || len(digits) > 1) {
		return 0, fmt.Errorf("%w: integer with leading zero", ErrMalformed)
	}
	var n int64
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: non-digit %q in integer", ErrMalformed, c)
		}
		n = n*10 + int64(c-'0')
		if n < 0 {
			return 0, fmt.Errorf("%w: integer overflow", ErrMalformed)
		}
	}
	if neg {
		n = -n
	}
	return n, nil
}

func (d *decoder) list() (Value, error) {
	start := d.pos
	d.pos++ // 'l'
	var items []Value
	for {
		c, err := d.peek()
		if err != nil {
			return Value{}, err
		}
		if c == 'e' {
			d.pos++
			return Value{Kind: List, List: items, start: start, end: d.pos}, nil
		}
		item, err := d.value()
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
}

func (d *decoder) dictionary() (Value, error) {
	start := d.pos
	d.pos++ // 'd'
	var entries []Entry
	var prevKey []byte
	for {
		c, err := d.peek()
		if err != nil {
			return Value{}, err
		}
		if c == 'e' {
			d.pos++
			return Value{Kind: Dictionary, Dict: entries, start: start, end: d.pos}, nil
		}
		if c < '0' || c > '9' {
			return Value{}, fmt.Errorf("%w: dictionary key is not a byte string", ErrMalformed)
		}
		key, err := d.str()
		if err != nil {
			return Value{}, err
		}
		if prevKey != nil && bytes.Compare(prevKey, key.Str) >= 0 {
			return Value{}, fmt.Errorf("%w: dictionary keys not strictly ascending at %q", ErrMalformed, key.Str)
		}
		prevKey = key.Str
		val, err := d.value()
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, Entry{Key: key.Str, Value: val})
	}
}

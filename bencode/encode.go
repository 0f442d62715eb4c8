package bencode

import (
	"bytes"
	"sort"
	"strconv"
)

// Encode serializes a value tree back into bencode. Dictionary keys are
// emitted in raw-byte sort order, so encoding is deterministic and a
// decoded value re-encodes to the exact bytes it was decoded from.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case String:
		buf.WriteString(strconv.Itoa(len(v.Str)))
		buf.WriteByte(':')
		buf.Write(v.Str)
	case Integer:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')
	case List:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeValue(buf, item)
		}
		buf.WriteByte('e')
	case Dictionary:
		entries := make([]Entry, len(v.Dict))
		copy(entries, v.Dict)
		sort.Slice(entries, func(i, j int) bool {
			return bytes.Compare(entries[i].Key, entries[j].Key) < 0
		})
		buf.WriteByte('d')
		for _, e := range entries {
			buf.WriteString(strconv.Itoa(len(e.Key)))
			buf.WriteByte(':')
			buf.Write(e.Key)
			encodeValue(buf, e.Value)
		}
		buf.WriteByte('e')
	}
}

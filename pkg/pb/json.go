package pb

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// MarshalJSON renders the tree with the same string sentinels Encode
// accepts, so the output can be turned back into a Message.
func (p *Proto) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	out := make(map[string]any, len(p.fields))
	for tag, v := range p.fields {
		out[strconv.FormatUint(uint64(tag), 10)] = v.jsonValue()
	}
	return json.Marshal(out)
}

func (v Value) jsonValue() any {
	switch v.kind {
	case KindInt, KindFixed32:
		return int64(v.num)
	case KindBigInt:
		return strconv.FormatUint(v.num, 10) + "u"
	case KindDouble:
		return v.f
	case KindString:
		return v.str
	case KindBytes:
		return RawPrefix + hex.EncodeToString(v.raw)
	case KindProto:
		return v.sub
	case KindRepeated:
		items := make([]any, len(v.list))
		for i, item := range v.list {
			items[i] = item.jsonValue()
		}
		return items
	}
	return nil
}

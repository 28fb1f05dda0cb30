package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/storage/codec"
	"github.com/xtxerr/coreset/internal/storage/types"
)

// Envelope is the unit exchanged between nodes and the mix aggregator.
// Exactly one payload is set.
//
//	message Envelope {
//	  uint64 id = 1;
//	  oneof payload {
//	    Exchange exchange = 2;
//	    Mixed mixed = 3;
//	    Error error = 4;
//	  }
//	}
//	message Exchange { string node = 1; Diff diff = 2; }
//	message Mixed { uint64 round = 1; uint32 participants = 2; Diff diff = 3; }
//	message Error { int32 code = 1; string message = 2; }
type Envelope struct {
	ID       uint64
	Exchange *Exchange
	Mixed    *Mixed
	Error    *Error
}

// Exchange carries a node's diff to the aggregator.
type Exchange struct {
	Node string
	Diff *types.Diff
}

// Mixed carries the mixed diff of a round back to its participants.
type Mixed struct {
	Round        uint64
	Participants uint32
	Diff         *types.Diff
}

// Error reports a failed request.
type Error struct {
	Code    int32
	Message string
}

// Err converts e into a Go error wrapping the sentinel of its code.
func (e *Error) Err() error {
	return fmt.Errorf("%w: %s", errors.CodeToError(e.Code), e.Message)
}

// Marshal encodes the envelope.
func (env *Envelope) Marshal() []byte {
	var b []byte
	if env.ID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, env.ID)
	}

	switch {
	case env.Exchange != nil:
		var m []byte
		m = appendString(m, 1, env.Exchange.Node)
		if env.Exchange.Diff != nil {
			m = appendBytes(m, 2, codec.MarshalDiff(env.Exchange.Diff))
		}
		b = appendBytes(b, 2, m)
	case env.Mixed != nil:
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.VarintType)
		m = protowire.AppendVarint(m, env.Mixed.Round)
		m = protowire.AppendTag(m, 2, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(env.Mixed.Participants))
		if env.Mixed.Diff != nil {
			m = appendBytes(m, 3, codec.MarshalDiff(env.Mixed.Diff))
		}
		b = appendBytes(b, 3, m)
	case env.Error != nil:
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(int64(env.Error.Code)))
		m = appendString(m, 2, env.Error.Message)
		b = appendBytes(b, 4, m)
	}
	return b
}

// Unmarshal decodes an envelope. Unknown fields are skipped.
func Unmarshal(b []byte) (*Envelope, error) {
	env := &Envelope{}
	err := walk("envelope", b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, v, &env.ID)
		case 2:
			m, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			env.Exchange, err = unmarshalExchange(m)
			return n, err
		case 3:
			m, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			env.Mixed, err = unmarshalMixed(m)
			return n, err
		case 4:
			m, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			env.Error, err = unmarshalError(m)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func unmarshalExchange(b []byte) (*Exchange, error) {
	x := &Exchange{}
	err := walk("exchange", b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeBytes(typ, v)
			x.Node = string(s)
			return n, err
		case 2:
			m, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			x.Diff, err = codec.UnmarshalDiff(m)
			return n, err
		}
		return 0, nil
	})
	return x, err
}

func unmarshalMixed(b []byte) (*Mixed, error) {
	x := &Mixed{}
	err := walk("mixed", b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, v, &x.Round)
		case 2:
			var p uint64
			n, err := consumeVarint(typ, v, &p)
			x.Participants = uint32(p)
			return n, err
		case 3:
			m, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			x.Diff, err = codec.UnmarshalDiff(m)
			return n, err
		}
		return 0, nil
	})
	return x, err
}

func unmarshalError(b []byte) (*Error, error) {
	x := &Error{}
	err := walk("error", b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			var c uint64
			n, err := consumeVarint(typ, v, &c)
			x.Code = int32(int64(c))
			return n, err
		case 2:
			s, n, err := consumeBytes(typ, v)
			x.Message = string(s)
			return n, err
		}
		return 0, nil
	})
	return x, err
}

// =============================================================================
// protowire helpers
// =============================================================================

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// walk calls fn for every field of b. fn returns the bytes it consumed, or
// 0 to skip the field.
func walk(what string, b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.NewCorrupt("%s: %v", what, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			if errors.Is(err, errors.ErrCorruptData) {
				return err
			}
			return errors.NewCorrupt("%s field %d: %v", what, num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return errors.NewCorrupt("%s field %d: %v", what, num, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

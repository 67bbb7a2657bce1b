package replicalog

import (
	"fmt"

	"github.com/devrev/pairdb/changelog/internal/model"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the stored update message
const (
	fieldCSN      protowire.Number = 1
	fieldType     protowire.Number = 2
	fieldTargetDN protowire.Number = 3
	fieldPayload  protowire.Number = 4
)

// Parser stores update messages keyed by the hex key form of their CSN
type Parser struct{}

func (Parser) EncodeKey(csn model.CSN) []byte {
	return csn.AppendKey(make([]byte, 0, model.CSNKeyLength))
}

func (Parser) DecodeKey(b []byte) (model.CSN, error) {
	return model.ParseCSN(string(b))
}

func (Parser) CompareKeys(a, b model.CSN) int {
	return a.Compare(b)
}

func (Parser) EncodeValue(msg *model.UpdateMsg) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil update message")
	}
	buf := make([]byte, 0, 32+len(msg.TargetDN)+len(msg.Payload))
	buf = protowire.AppendTag(buf, fieldCSN, protowire.BytesType)
	buf = protowire.AppendBytes(buf, msg.CSN.AppendBinary(nil))
	buf = protowire.AppendTag(buf, fieldType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(msg.Type))
	if msg.TargetDN != "" {
		buf = protowire.AppendTag(buf, fieldTargetDN, protowire.BytesType)
		buf = protowire.AppendString(buf, msg.TargetDN)
	}
	if len(msg.Payload) > 0 {
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, msg.Payload)
	}
	return buf, nil
}

func (Parser) DecodeValue(b []byte) (*model.UpdateMsg, error) {
	msg := &model.UpdateMsg{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("invalid update message tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldCSN && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid update message csn: %w", protowire.ParseError(n))
			}
			csn, err := model.CSNFromBinary(v)
			if err != nil {
				return nil, err
			}
			msg.CSN = csn
			b = b[n:]
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid update message type: %w", protowire.ParseError(n))
			}
			msg.Type = model.UpdateType(v)
			b = b[n:]
		case num == fieldTargetDN && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid update message target dn: %w", protowire.ParseError(n))
			}
			msg.TargetDN = v
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid update message payload: %w", protowire.ParseError(n))
			}
			msg.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("invalid update message field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if msg.CSN.IsZero() {
		return nil, fmt.Errorf("update message without csn")
	}
	return msg, nil
}

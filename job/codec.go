package job

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec names accepted by GetCodec.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// Codec serializes job records for the shared store.
type Codec interface {
	Encode(j *Job) ([]byte, error)
	Decode(data []byte) (*Job, error)
	Name() string
}

// GetCodec returns a codec by name. Unknown names fall back to JSON.
func GetCodec(name string) Codec {
	if name == CodecNameMsgpack {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

// JSONCodec stores records as JSON.
type JSONCodec struct{}

func (JSONCodec) Encode(j *Job) ([]byte, error) {
	return json.Marshal(j)
}

func (JSONCodec) Decode(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("job: decode json record: %w", err)
	}
	return &j, nil
}

func (JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec stores records as MessagePack.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(j *Job) ([]byte, error) {
	return msgpack.Marshal(j)
}

func (MsgpackCodec) Decode(data []byte) (*Job, error) {
	var j Job
	if err := msgpack.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("job: decode msgpack record: %w", err)
	}
	return &j, nil
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }

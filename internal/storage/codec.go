package storage

import (
	"github.com/bytedance/sonic"
	"github.com/fxamacker/cbor/v2"
)

// Codec encodes ledger records for a backend
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// JSONCodec is used for Redis so records stay readable from redis-cli
type JSONCodec struct{}

var fastJSON = sonic.ConfigDefault

func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return fastJSON.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return fastJSON.Unmarshal(data, v)
}

// CBORCodec is the compact encoding used for bbolt files
type CBORCodec struct{}

func (CBORCodec) Marshal(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

func (CBORCodec) Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

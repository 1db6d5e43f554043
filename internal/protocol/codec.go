package protocol

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec names accepted in configuration and in EnvCodec.
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// EnvCodec tells a spawned worker which codec its stdin/stdout use.
const EnvCodec = "FORKQ_CODEC"

// Encoder writes a stream of frames.
type Encoder interface {
	Encode(v any) error
}

// Decoder reads a stream of frames. Decode returns io.EOF when the stream ends.
type Decoder interface {
	Decode(v any) error
}

// Codec builds frame encoders and decoders for a byte stream.
type Codec interface {
	Name() string
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
}

// JSONCodec frames messages as newline-delimited JSON.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) NewEncoder(w io.Writer) Encoder { return json.NewEncoder(w) }

func (JSONCodec) NewDecoder(r io.Reader) Decoder { return json.NewDecoder(r) }

// MsgpackCodec frames messages as a MessagePack stream. Struct fields are
// keyed by their json tags so both codecs share one wire vocabulary.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return CodecMsgpack }

func (MsgpackCodec) NewEncoder(w io.Writer) Encoder {
	enc := msgpack.NewEncoder(w)
	enc.SetCustomStructTag("json")
	return enc
}

func (MsgpackCodec) NewDecoder(r io.Reader) Decoder {
	dec := msgpack.NewDecoder(r)
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)
	return dec
}

// GetCodec returns the codec registered under name. An empty name selects JSON.
func GetCodec(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec: %q", name)
	}
}

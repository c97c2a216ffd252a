package serialization

import (
	"encoding/gob"
	"encoding/json"
	"io"
)

type jsonCodec struct {
	dec *json.Decoder
	enc *json.Encoder
}

func (j *jsonCodec) Decode(v any) error { return j.dec.Decode(v) }
func (j *jsonCodec) Encode(v any) error { return j.enc.Encode(v) }

// JsonDecoder returns a Decoder reading JSON from r.
func JsonDecoder(r io.Reader) Decoder {
	return &jsonCodec{dec: json.NewDecoder(r)}
}

// JsonEncoder returns an Encoder writing JSON to w. HTML characters in
// chart labels are written as is.
func JsonEncoder(w io.Writer) Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &jsonCodec{enc: enc}
}

type gobCodec struct {
	dec *gob.Decoder
	enc *gob.Encoder
}

func (g *gobCodec) Decode(v any) error { return g.dec.Decode(v) }
func (g *gobCodec) Encode(v any) error { return g.enc.Encode(v) }

// GobDecoder returns a Decoder reading gob from r.
func GobDecoder(r io.Reader) Decoder {
	return &gobCodec{dec: gob.NewDecoder(r)}
}

// GobEncoder returns an Encoder writing gob to w. Each encoder carries its
// own type descriptors, so every payload decodes on its own.
func GobEncoder(w io.Writer) Encoder {
	return &gobCodec{enc: gob.NewEncoder(w)}
}

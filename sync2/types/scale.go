package types

import "github.com/spacemeshos/go-scale"

// EncodeScale implements scale.Encodable.
func (k *Key) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeByteArray(e, k[:])
}

// DecodeScale implements scale.Decodable.
func (k *Key) DecodeScale(d *scale.Decoder) (int, error) {
	return scale.DecodeByteArray(d, k[:])
}

// EncodeScale implements scale.Encodable.
func (h *Hash) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeByteArray(e, h[:])
}

// DecodeScale implements scale.Decodable.
func (h *Hash) DecodeScale(d *scale.Decoder) (int, error) {
	return scale.DecodeByteArray(d, h[:])
}

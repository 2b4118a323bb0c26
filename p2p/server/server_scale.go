package server

import (
	"github.com/spacemeshos/go-scale"
)

const (
	maxResponseData  = 89128960 // 85 MiB
	maxResponseError = 1024
)

func (r *Response) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeByteSliceWithLimit(enc, r.Data, maxResponseData)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByteSliceWithLimit(enc, []byte(r.Error), maxResponseError)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (r *Response) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		field, n, err := scale.DecodeByteSliceWithLimit(dec, maxResponseData)
		if err != nil {
			return total, err
		}
		total += n
		r.Data = field
	}
	{
		field, n, err := scale.DecodeByteSliceWithLimit(dec, maxResponseError)
		if err != nil {
			return total, err
		}
		total += n
		r.Error = string(field)
	}
	return total, nil
}

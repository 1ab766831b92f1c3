package domain

import (
	"bytes"
	"io"

	"github.com/bytedance/sonic"
)

// Decode parses a server confirmed record. The record must carry an id and
// pass validation; unknown fields are tolerated so the server may grow.
func Decode[T Entity[T]](data []byte) (T, error) {
	var v T
	if err := sonic.ConfigStd.Unmarshal(data, &v); err != nil {
		return v, &DecodeError{Kind: KindOf[T](), Index: -1, Err: err}
	}
	if err := checkConfirmed(v); err != nil {
		return v, &DecodeError{Kind: KindOf[T](), Index: -1, Err: err}
	}
	return v, nil
}

// DecodeList parses a fetch-all response.
func DecodeList[T Entity[T]](data []byte) ([]T, error) {
	var raw []sonic.NoCopyRawMessage
	if err := sonic.ConfigStd.Unmarshal(data, &raw); err != nil {
		return nil, &DecodeError{Kind: KindOf[T](), Index: -1, Err: err}
	}
	items := make([]T, 0, len(raw))
	for i, r := range raw {
		var v T
		if err := sonic.ConfigStd.Unmarshal(r, &v); err != nil {
			return nil, &DecodeError{Kind: KindOf[T](), Index: i, Err: err}
		}
		if err := checkConfirmed(v); err != nil {
			return nil, &DecodeError{Kind: KindOf[T](), Index: i, Err: err}
		}
		items = append(items, v)
	}
	return items, nil
}

// DecodePayload parses a client supplied record strictly: unknown fields are
// rejected and the record is validated. The id is not required.
func DecodePayload[T Entity[T]](r io.Reader) (T, error) {
	var v T
	dec := sonic.ConfigStd.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, &DecodeError{Kind: KindOf[T](), Index: -1, Err: err}
	}
	if err := v.Validate(); err != nil {
		return v, &DecodeError{Kind: KindOf[T](), Index: -1, Err: err}
	}
	return v, nil
}

func checkConfirmed[T Entity[T]](v T) error {
	if v.EntityID() == "" {
		return ErrMissingID
	}
	return v.Validate()
}

// Encode renders a record for the wire.
func Encode(v any) ([]byte, error) {
	return sonic.ConfigStd.Marshal(v)
}

func decodeStrict[T Entity[T]](data []byte) (T, error) {
	var v T
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	err := dec.Decode(&v)
	return v, err
}

package types

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"

	"schoolchat/pkg/errutil"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names so errors match what the client sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks v against its struct tags.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return oops.Code(errutil.CodeFrameInvalid).Wrap(err)
	}
	return nil
}

// NewFrame encodes data into a frame for event.
func NewFrame(event, ref string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, oops.Code(errutil.CodeFrameInvalid).With("event", event).Wrap(err)
	}
	return Frame{Event: event, Ref: ref, Data: raw}, nil
}

// ParseFrame decodes and validates an inbound envelope.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, oops.Code(errutil.CodeFrameInvalid).Wrapf(err, "malformed frame")
	}
	if err := Validate(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Decode unmarshals the frame payload into v and validates it.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return errutil.Validation(errutil.CodeFrameInvalid, "%s frame has no data", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return oops.Code(errutil.CodeFrameInvalid).With("event", f.Event).Wrapf(err, "malformed %s payload", f.Event)
	}
	return Validate(v)
}

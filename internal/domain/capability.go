package domain

import (
	"encoding/base64"
	"strings"
)

// ImageRequest is the input of a single capability call outside a batch.
// Which fields are needed depends on the call: generation takes only a
// prompt, captioning only an image.
type ImageRequest struct {
	Prompt    string `json:"prompt" validate:"max=4000"`
	ImageData string `json:"image_data"`
}

// Validate checks the fields the call needs and decodes the image. The
// returned error is a *ValidationError.
func (r *ImageRequest) Validate(needPrompt, needImage bool) ([]byte, error) {
	if err := toValidationError(validate.Struct(r)); err != nil {
		return nil, err
	}
	var fields []FieldError
	if needPrompt && strings.TrimSpace(r.Prompt) == "" {
		fields = append(fields, FieldError{Field: "Prompt", Reason: "must not be blank"})
	}

	var img []byte
	if needImage {
		if r.ImageData == "" {
			fields = append(fields, FieldError{Field: "ImageData", Reason: "is required"})
		} else if decoded, err := base64.StdEncoding.DecodeString(r.ImageData); err != nil {
			fields = append(fields, FieldError{Field: "ImageData", Reason: "must be base64"})
		} else {
			img = decoded
		}
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	return img, nil
}

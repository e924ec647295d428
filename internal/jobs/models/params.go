package models

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"

	dErrors "studio/pkg/domain-errors"
	"studio/pkg/validation"
)

// Params is the type-specific payload of a job. The set of variants is closed.
type Params interface {
	JobType() Type
	Validate() error
	clone() Params
}

// InlineImage is an image supplied by the caller.
type InlineImage struct {
	MIMEType string `json:"mime_type" validate:"required,imagemime"`
	Data     string `json:"data" validate:"required,base64"`
}

type ImageGenerationParams struct {
	Prompt         string `json:"prompt" validate:"required,notblank,max=4000"`
	AspectRatio    string `json:"aspect_ratio,omitempty" validate:"omitempty,oneof=1:1 3:4 4:3 9:16 16:9"`
	NumberOfImages int    `json:"number_of_images,omitempty" validate:"omitempty,min=1,max=4"`
	NegativePrompt string `json:"negative_prompt,omitempty" validate:"max=4000"`
}

func (p *ImageGenerationParams) JobType() Type { return TypeImageGeneration }

func (p *ImageGenerationParams) Normalize() {
	p.Prompt = strings.TrimSpace(p.Prompt)
	p.NegativePrompt = strings.TrimSpace(p.NegativePrompt)
	if p.AspectRatio == "" {
		p.AspectRatio = "1:1"
	}
	if p.NumberOfImages == 0 {
		p.NumberOfImages = 1
	}
}

func (p *ImageGenerationParams) Validate() error { return validation.Validate(p) }

func (p *ImageGenerationParams) clone() Params {
	c := *p
	return &c
}

type ImageEditParams struct {
	Prompt string      `json:"prompt" validate:"required,notblank,max=4000"`
	Image  InlineImage `json:"image" validate:"required"`
}

func (p *ImageEditParams) JobType() Type { return TypeImageEdit }

func (p *ImageEditParams) Normalize() { p.Prompt = strings.TrimSpace(p.Prompt) }

func (p *ImageEditParams) Validate() error { return validation.Validate(p) }

func (p *ImageEditParams) clone() Params {
	c := *p
	return &c
}

type ImageComposeParams struct {
	Prompt string        `json:"prompt" validate:"required,notblank,max=4000"`
	Images []InlineImage `json:"images" validate:"min=2,max=4,dive"`
}

func (p *ImageComposeParams) JobType() Type { return TypeImageCompose }

func (p *ImageComposeParams) Normalize() { p.Prompt = strings.TrimSpace(p.Prompt) }

func (p *ImageComposeParams) Validate() error { return validation.Validate(p) }

func (p *ImageComposeParams) clone() Params {
	c := *p
	c.Images = slices.Clone(p.Images)
	return &c
}

type StyleTransferParams struct {
	ContentImage InlineImage `json:"content_image" validate:"required"`
	StyleImage   InlineImage `json:"style_image" validate:"required"`
	Prompt       string      `json:"prompt,omitempty" validate:"max=4000"`
	Strength     float64     `json:"strength" validate:"gte=0,lte=1"`
}

func (p *StyleTransferParams) JobType() Type { return TypeStyleTransfer }

func (p *StyleTransferParams) Normalize() { p.Prompt = strings.TrimSpace(p.Prompt) }

func (p *StyleTransferParams) Validate() error { return validation.Validate(p) }

func (p *StyleTransferParams) clone() Params {
	c := *p
	return &c
}

// DecodeParams decodes raw JSON into the params variant for t, then
// normalizes and validates it.
func DecodeParams(t Type, raw json.RawMessage) (Params, error) {
	var p Params
	switch t {
	case TypeImageGeneration:
		p = &ImageGenerationParams{}
	case TypeImageEdit:
		p = &ImageEditParams{}
	case TypeImageCompose:
		p = &ImageComposeParams{}
	case TypeStyleTransfer:
		p = &StyleTransferParams{}
	default:
		return nil, dErrors.New(dErrors.CodeValidation, "type must be one of [image-generation image-edit image-compose style-transfer]")
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "params is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid params for "+string(t))
	}
	if err := Prepare(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Prepare normalizes p when supported and validates it.
func Prepare(p Params) error {
	if p == nil {
		return dErrors.New(dErrors.CodeValidation, "params is required")
	}
	if n, ok := p.(interface{ Normalize() }); ok {
		n.Normalize()
	}
	return p.Validate()
}

// CloneParams returns a deep copy of p.
func CloneParams(p Params) Params {
	if p == nil {
		return nil
	}
	return p.clone()
}

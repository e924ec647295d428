// Package gemini generates job results with Gemini image models.
package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"studio/internal/jobs/models"
)

const DefaultModel = "gemini-2.5-flash-image"

// ModelsAPI is the slice of genai.Models used here; *genai.Models satisfies it.
type ModelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Config struct {
	APIKey string
	Model  string
}

type Option func(*Generator)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithModelsAPI replaces the genai client, mainly for tests.
func WithModelsAPI(api ModelsAPI) Option {
	return func(g *Generator) {
		g.api = api
	}
}

// Generator turns one job into one or more GenerateContent calls.
type Generator struct {
	api    ModelsAPI
	model  string
	logger *slog.Logger
}

// New builds a Generator backed by the Gemini API unless WithModelsAPI is
// given.
func New(ctx context.Context, cfg Config, opts ...Option) (*Generator, error) {
	g := &Generator{model: cfg.Model, logger: slog.Default()}
	if g.model == "" {
		g.model = DefaultModel
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.api != nil {
		return g, nil
	}

	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	g.api = client.Models
	return g, nil
}

func (g *Generator) Model() string { return g.model }

// request is one GenerateContent call.
type request struct {
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

// Generate runs every call the job needs and merges their images. Progress
// moves from 10 to 90 as calls finish; the queue sets 100 on completion.
func (g *Generator) Generate(ctx context.Context, job models.Job, progress func(int)) (*models.Result, error) {
	reqs, err := buildRequests(job.Params)
	if err != nil {
		return nil, err
	}
	progress(10)

	result := &models.Result{Model: g.model, Metadata: map[string]string{}}
	var texts []string
	var totalTokens int32
	for i, req := range reqs {
		resp, err := g.api.GenerateContent(ctx, g.model, req.contents, req.config)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("gemini generation failed: %w", err)
		}

		images, text, meta := parseResponse(resp)
		result.Images = append(result.Images, images...)
		if text != "" {
			texts = append(texts, text)
		}
		for k, v := range meta {
			result.Metadata[k] = v
		}
		if resp.UsageMetadata != nil {
			totalTokens += resp.UsageMetadata.TotalTokenCount
		}
		progress(10 + 80*(i+1)/len(reqs))
	}
	result.Text = strings.Join(texts, "\n")
	if totalTokens > 0 {
		result.Metadata["total_tokens"] = strconv.Itoa(int(totalTokens))
	}

	if len(result.Images) == 0 {
		details := result.Metadata
		if result.Text != "" {
			details["text"] = truncate(result.Text, 500)
		}
		g.logger.WarnContext(ctx, "gemini returned no image",
			"job_id", job.ID.String(),
			"finish_reason", details["finish_reason"],
		)
		return nil, &models.JobError{
			Message: "model returned no image",
			Code:    models.ErrorCodeNoImage,
			Details: details,
		}
	}
	return result, nil
}

func buildRequests(params models.Params) ([]request, error) {
	switch p := params.(type) {
	case *models.ImageGenerationParams:
		text := p.Prompt
		if p.NegativePrompt != "" {
			text += "\n\nAvoid: " + p.NegativePrompt
		}
		cfg := imageConfig(p.AspectRatio)
		n := max(p.NumberOfImages, 1)
		reqs := make([]request, n)
		for i := range reqs {
			reqs[i] = request{contents: userContent(genai.NewPartFromText(text)), config: cfg}
		}
		return reqs, nil

	case *models.ImageEditParams:
		img, err := inlinePart(p.Image)
		if err != nil {
			return nil, err
		}
		return []request{{
			contents: userContent(img, genai.NewPartFromText(p.Prompt)),
			config:   imageConfig(""),
		}}, nil

	case *models.ImageComposeParams:
		parts := make([]*genai.Part, 0, len(p.Images)+1)
		for _, in := range p.Images {
			img, err := inlinePart(in)
			if err != nil {
				return nil, err
			}
			parts = append(parts, img)
		}
		parts = append(parts, genai.NewPartFromText(p.Prompt))
		return []request{{contents: userContent(parts...), config: imageConfig("")}}, nil

	case *models.StyleTransferParams:
		content, err := inlinePart(p.ContentImage)
		if err != nil {
			return nil, err
		}
		style, err := inlinePart(p.StyleImage)
		if err != nil {
			return nil, err
		}
		text := fmt.Sprintf(
			"Redraw the first image in the artistic style of the second image. Style strength: %.2f on a scale from 0 (keep the original look) to 1 (fully restyled).",
			p.Strength)
		if p.Prompt != "" {
			text += "\n\n" + p.Prompt
		}
		return []request{{
			contents: userContent(content, style, genai.NewPartFromText(text)),
			config:   imageConfig(""),
		}}, nil
	}
	return nil, &models.JobError{
		Message: fmt.Sprintf("unsupported params %T", params),
		Code:    models.ErrorCodeGenerationFailed,
	}
}

func imageConfig(aspectRatio string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityText), string(genai.ModalityImage)},
	}
	if aspectRatio != "" {
		cfg.ImageConfig = &genai.ImageConfig{AspectRatio: aspectRatio}
	}
	return cfg
}

func userContent(parts ...*genai.Part) []*genai.Content {
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}

func inlinePart(img models.InlineImage) (*genai.Part, error) {
	data, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		return nil, &models.JobError{
			Message: "input image is not valid base64",
			Code:    models.ErrorCodeGenerationFailed,
		}
	}
	return genai.NewPartFromBytes(data, img.MIMEType), nil
}

func parseResponse(resp *genai.GenerateContentResponse) ([]models.GeneratedImage, string, map[string]string) {
	meta := map[string]string{}
	if resp == nil {
		return nil, "", meta
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		meta["block_reason"] = string(fb.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return nil, "", meta
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason != "" {
		meta["finish_reason"] = string(candidate.FinishReason)
	}
	if candidate.Content == nil {
		return nil, "", meta
	}

	var images []models.GeneratedImage
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "image/") {
			images = append(images, models.GeneratedImage{
				MIMEType: part.InlineData.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(part.InlineData.Data),
			})
		}
		if part.Text != "" {
			text.WriteString(part.Text)
		}
	}
	return images, strings.TrimSpace(text.String()), meta
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

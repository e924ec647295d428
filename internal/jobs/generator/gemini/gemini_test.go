package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"studio/internal/jobs/models"
	id "studio/pkg/domain"
)

type call struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

type fakeModels struct {
	calls []call
	resp  func(n int) (*genai.GenerateContentResponse, error)
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls = append(f.calls, call{model: model, contents: contents, config: config})
	return f.resp(len(f.calls))
}

func imageResponse(data string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			FinishReason: genai.FinishReasonStop,
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "here you go"},
				{InlineData: &genai.Blob{MIMEType: "image/png", Data: []byte(data)}},
			}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{TotalTokenCount: 100},
	}
}

func newGenerator(t *testing.T, api ModelsAPI) *Generator {
	t.Helper()
	g, err := New(context.Background(), Config{}, WithModelsAPI(api))
	require.NoError(t, err)
	return g
}

func job(params models.Params) models.Job {
	return models.Job{ID: id.NewJobID(), Type: params.JobType(), Params: params}
}

var pngB64 = base64.StdEncoding.EncodeToString([]byte("png-bytes"))

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestGenerateImage(t *testing.T) {
	api := &fakeModels{resp: func(n int) (*genai.GenerateContentResponse, error) {
		return imageResponse("img" + string(rune('0'+n))), nil
	}}
	g := newGenerator(t, api)
	var progress []int

	result, err := g.Generate(context.Background(), job(&models.ImageGenerationParams{
		Prompt:         "a lighthouse at dusk",
		NegativePrompt: "people",
		AspectRatio:    "16:9",
		NumberOfImages: 2,
	}), func(p int) { progress = append(progress, p) })

	require.NoError(t, err)
	require.Len(t, api.calls, 2, "one call per requested image")
	assert.Equal(t, DefaultModel, api.calls[0].model)
	assert.Equal(t, "a lighthouse at dusk\n\nAvoid: people", api.calls[0].contents[0].Parts[0].Text)
	assert.Equal(t, []string{"TEXT", "IMAGE"}, api.calls[0].config.ResponseModalities)
	require.NotNil(t, api.calls[0].config.ImageConfig)
	assert.Equal(t, "16:9", api.calls[0].config.ImageConfig.AspectRatio)

	require.Len(t, result.Images, 2)
	assert.Equal(t, "image/png", result.Images[0].MIMEType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("img1")), result.Images[0].Data)
	assert.Equal(t, DefaultModel, result.Model)
	assert.Equal(t, "200", result.Metadata["total_tokens"])
	assert.Equal(t, "STOP", result.Metadata["finish_reason"])
	assert.Equal(t, []int{10, 50, 90}, progress)
}

func TestGenerateBuildsInlineImageParts(t *testing.T) {
	img := models.InlineImage{MIMEType: "image/jpeg", Data: pngB64}
	cases := []struct {
		name   string
		params models.Params
		images int
	}{
		{"edit", &models.ImageEditParams{Prompt: "add a hat", Image: img}, 1},
		{"compose", &models.ImageComposeParams{Prompt: "merge", Images: []models.InlineImage{img, img, img}}, 3},
		{"style transfer", &models.StyleTransferParams{ContentImage: img, StyleImage: img, Strength: 0.5}, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeModels{resp: func(int) (*genai.GenerateContentResponse, error) {
				return imageResponse("out"), nil
			}}
			_, err := newGenerator(t, api).Generate(context.Background(), job(tc.params), func(int) {})
			require.NoError(t, err)
			require.Len(t, api.calls, 1)

			parts := api.calls[0].contents[0].Parts
			require.Len(t, parts, tc.images+1)
			for _, p := range parts[:tc.images] {
				require.NotNil(t, p.InlineData)
				assert.Equal(t, "image/jpeg", p.InlineData.MIMEType)
				assert.Equal(t, []byte("png-bytes"), p.InlineData.Data)
			}
			assert.NotEmpty(t, parts[tc.images].Text, "instruction text comes last")
			assert.Nil(t, api.calls[0].config.ImageConfig)
		})
	}
}

func TestGenerateStyleTransferMentionsStrength(t *testing.T) {
	img := models.InlineImage{MIMEType: "image/png", Data: pngB64}
	api := &fakeModels{resp: func(int) (*genai.GenerateContentResponse, error) { return imageResponse("x"), nil }}

	_, err := newGenerator(t, api).Generate(context.Background(),
		job(&models.StyleTransferParams{ContentImage: img, StyleImage: img, Strength: 0.75, Prompt: "keep the sky"}),
		func(int) {})

	require.NoError(t, err)
	text := api.calls[0].contents[0].Parts[2].Text
	assert.Contains(t, text, "0.75")
	assert.Contains(t, text, "keep the sky")
}

func TestGenerateWithoutImageFails(t *testing.T) {
	api := &fakeModels{resp: func(int) (*genai.GenerateContentResponse, error) {
		return &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				FinishReason: genai.FinishReasonSafety,
				Content:      &genai.Content{Parts: []*genai.Part{{Text: "I can't draw that."}}},
			}},
		}, nil
	}}

	_, err := newGenerator(t, api).Generate(context.Background(),
		job(&models.ImageGenerationParams{Prompt: "x", NumberOfImages: 1}), func(int) {})

	var jobErr *models.JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, models.ErrorCodeNoImage, jobErr.Code)
	assert.Equal(t, "SAFETY", jobErr.Details["finish_reason"])
	assert.Equal(t, "I can't draw that.", jobErr.Details["text"])
}

func TestGenerateWrapsProviderErrors(t *testing.T) {
	providerErr := errors.New("429 resource exhausted")
	api := &fakeModels{resp: func(int) (*genai.GenerateContentResponse, error) { return nil, providerErr }}

	_, err := newGenerator(t, api).Generate(context.Background(),
		job(&models.ImageGenerationParams{Prompt: "x", NumberOfImages: 1}), func(int) {})

	require.ErrorIs(t, err, providerErr)
	var jobErr *models.JobError
	assert.False(t, errors.As(err, &jobErr), "provider errors are mapped by the worker")
}

func TestGenerateReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	api := &fakeModels{resp: func(int) (*genai.GenerateContentResponse, error) {
		return nil, errors.New("request aborted")
	}}

	_, err := newGenerator(t, api).Generate(ctx,
		job(&models.ImageGenerationParams{Prompt: "x", NumberOfImages: 1}), func(int) {})

	require.ErrorIs(t, err, context.Canceled)
}

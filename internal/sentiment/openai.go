package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/kaphack/realtime-crisis-escalation/internal/core"
)

const scorerInstructions = `You rate the emotional sentiment of one utterance from a caller to a crisis support line.
Return score in [-1, 1] where -1 is extreme distress or despair, 0 is neutral and 1 is clearly positive.
Return confidence in [0, 1] describing how certain you are. Rate only the text given.`

type llmScore struct {
	Score      float64 `json:"score" jsonschema:"minimum=-1,maximum=1" jsonschema_description:"Sentiment from -1 (distress) to 1 (positive)"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1" jsonschema_description:"Certainty of the rating"`
}

var llmScoreSchema = generateSchema[llmScore]()

// OpenAIScorer asks a model for a sentiment rating through the Responses API with a strict schema.
type OpenAIScorer struct {
	client    *openai.Client
	model     string
	timeout   time.Duration
	truncator *Truncator
}

func NewOpenAIScorer(apiKey, model string, timeout time.Duration, truncator *Truncator, opts ...option.RequestOption) *OpenAIScorer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	client := openai.NewClient(opts...)
	return &OpenAIScorer{client: &client, model: model, timeout: timeout, truncator: truncator}
}

func (s *OpenAIScorer) Score(ctx context.Context, text string) (core.SentimentScore, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := responses.ResponseNewParams{
		Model:           s.model,
		MaxOutputTokens: openai.Int(64),
		Instructions:    openai.String(scorerInstructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(s.truncator.Truncate(text), responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:        "SentimentScore",
					Schema:      llmScoreSchema,
					Strict:      openai.Bool(true),
					Description: openai.String("Sentiment rating JSON"),
					Type:        "json_schema",
				},
			},
		},
	}

	resp, err := s.client.Responses.New(ctx, params)
	if err != nil {
		return core.SentimentScore{}, fmt.Errorf("openai scorer: %w", err)
	}

	var out llmScore
	if err := decodeModelJSON(resp.OutputText(), &out); err != nil {
		return core.SentimentScore{}, fmt.Errorf("unmarshal score: %w", err)
	}
	return validate(core.SentimentScore{Score: out.Score, Confidence: out.Confidence})
}

func decodeModelJSON(outputText string, v any) error {
	s := strings.TrimSpace(outputText)
	if s == "" {
		return io.ErrUnexpectedEOF
	}
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end <= start {
		return fmt.Errorf("no JSON object found in model output (len=%d)", len(s))
	}
	return json.Unmarshal([]byte(s[start:end+1]), v)
}

func generateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	b, err := reflector.Reflect(v).MarshalJSON()
	if err != nil {
		panic(err)
	}
	var schema map[string]any
	if err := json.Unmarshal(b, &schema); err != nil {
		panic(err)
	}
	// strict mode wants every property required and nothing else allowed
	schema["additionalProperties"] = false
	if props, ok := schema["properties"].(map[string]any); ok {
		required := make([]string, 0, len(props))
		for name := range props {
			required = append(required, name)
		}
		schema["required"] = required
	}
	return schema
}

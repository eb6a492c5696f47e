// Package openaiofficial provides OpenAI client implementation using the official OpenAI Go package.
package openaiofficial

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"conclave/pkg/agent/llm"
	"conclave/pkg/agent/llmerrors"
	"conclave/pkg/config"
)

// OfficialClient wraps the official OpenAI Go client to implement llm.LLMClient interface.
//
//nolint:govet // Simple struct, field alignment not critical
type OfficialClient struct {
	client openai.Client
	model  string
}

// NewOfficialClientWithModel creates a new OpenAI client with specific model using the official package (raw client, middleware applied at higher level).
func NewOfficialClientWithModel(apiKey, model string) llm.LLMClient {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OfficialClient{
		client: client,
		model:  model,
	}
}

// buildInput splits system messages into instructions and converts the rest to Responses API input items.
func buildInput(messages []llm.CompletionMessage) (instructions string, items responses.ResponseInputParam) {
	var system []string
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, msg.Text())
		case llm.RoleAssistant:
			items = append(items, messageItem(msg, responses.EasyInputMessageRoleAssistant))
		default:
			items = append(items, messageItem(msg, responses.EasyInputMessageRoleUser))
		}
	}
	return strings.Join(system, "\n\n"), items
}

func messageItem(msg *llm.CompletionMessage, role responses.EasyInputMessageRole) responses.ResponseInputItemUnionParam {
	content := responses.EasyInputMessageContentUnionParam{}
	if msg.IsMultimodal() && role == responses.EasyInputMessageRoleUser {
		var list responses.ResponseInputMessageContentListParam
		for i := range msg.Parts {
			part := &msg.Parts[i]
			if part.Type == llm.PartImage {
				dataURL := fmt.Sprintf("data:%s;base64,%s", part.MIMEType, base64.StdEncoding.EncodeToString(part.Data))
				list = append(list, responses.ResponseInputContentUnionParam{
					OfInputImage: &responses.ResponseInputImageParam{
						Detail:   responses.ResponseInputImageDetailAuto,
						ImageURL: openai.String(dataURL),
					},
				})
				continue
			}
			list = append(list, responses.ResponseInputContentUnionParam{
				OfInputText: &responses.ResponseInputTextParam{Text: part.Text},
			})
		}
		content.OfInputItemContentList = list
	} else {
		content.OfString = openai.String(msg.Text())
	}

	return responses.ResponseInputItemUnionParam{
		OfMessage: &responses.EasyInputMessageParam{
			Role:    role,
			Content: content,
		},
	}
}

// Complete implements the llm.LLMClient interface using the Responses API.
//
//nolint:gocritic // CompletionRequest passed by value to match interface
func (o *OfficialClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	instructions, items := buildInput(in.Messages)
	if len(items) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "no user or assistant messages")
	}

	// Cap MaxTokens to model's actual limit to prevent API errors
	maxTokens := in.MaxTokens
	if info, exists := config.KnownModels[o.model]; exists && info.MaxOutputTokens > 0 && maxTokens > info.MaxOutputTokens {
		maxTokens = info.MaxOutputTokens
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Temperature:     openai.Float(float64(in.Temperature)),
		Input:           responses.ResponseNewParamsInputUnion{OfInputItemList: items},
	}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}

	content := resp.OutputText()
	if content == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "no text output from OpenAI Responses API")
	}

	stop := string(resp.Status)
	if resp.IncompleteDetails.Reason != "" {
		stop = string(resp.IncompleteDetails.Reason)
	}

	return llm.CompletionResponse{
		Content:    content,
		StopReason: stop,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// classifyError maps OpenAI SDK errors to structured error types.
func classifyError(err error) *llmerrors.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "request canceled")
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == "context_length_exceeded" || llmerrors.LooksLikeContextLength(apiErr.Message) {
			return llmerrors.NewContextLengthError(err)
		}
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return &llmerrors.Error{Type: llmerrors.ErrorTypeAuth, StatusCode: apiErr.StatusCode, Err: err, Message: "authentication failed"}
		case apiErr.StatusCode == 429:
			return &llmerrors.Error{Type: llmerrors.ErrorTypeRateLimit, StatusCode: apiErr.StatusCode, Err: err, Message: "rate limit exceeded"}
		case apiErr.StatusCode >= 500:
			return &llmerrors.Error{Type: llmerrors.ErrorTypeTransient, StatusCode: apiErr.StatusCode, Err: err, Message: "server error"}
		case apiErr.StatusCode == 400:
			return &llmerrors.Error{Type: llmerrors.ErrorTypeBadPrompt, StatusCode: apiErr.StatusCode, Err: err, Message: "bad request"}
		}
	}

	if llmerrors.LooksLikeContextLength(err.Error()) {
		return llmerrors.NewContextLengthError(err)
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "OpenAI Responses API failed")
}

// GetModelName returns the model name for this client.
func (o *OfficialClient) GetModelName() string {
	return o.model
}

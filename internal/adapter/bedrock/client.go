// Package bedrock implements the Bedrock Adapter (C5): per-tenant AWS
// Bedrock Converse/ConverseStream access behind the C3 Adapter
// contract.
//
// Grounded directly on goadesign-goa-ai/features/model/bedrock/
// client.go's Client/encodeMessages/encodeTools/buildConverseInput/
// isRateLimited shape, narrowed from goa-ai's planner-oriented
// model.Request/model.Response types to this gateway's public
// Anthropic-shaped adapter.Request/adapter.Response, and narrowed from
// goa-ai's single shared runtime client to a per-tenant client built
// from a decrypted credential (SigV4 signing is handled internally by
// the SDK's request pipeline — no hand-rolled signer).
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/sergeybar/ak-gateway/internal/adapter"
	"github.com/sergeybar/ak-gateway/internal/fingerprint"
	"github.com/sergeybar/ak-gateway/metering"
)

// tenantSecret is the JSON shape of the decrypted Bedrock credential
// plaintext (spec §3's BedrockKey ciphertext, once opened by KMS).
type tenantSecret struct {
	AWSAccessKeyID     string `json:"aws_access_key_id"`
	AWSSecretAccessKey string `json:"aws_secret_access_key"`
	SessionToken       string `json:"session_token,omitempty"`
}

// Adapter is the Bedrock (fallback) provider connector.
type Adapter struct {
	credentials  *CredentialSource
	counter      *metering.TokenCounter
	defaultModel string

	mu      sync.Mutex
	clients map[string]*bedrockruntime.Client
}

func New(creds *CredentialSource, defaultModel string) *Adapter {
	return &Adapter{
		credentials:  creds,
		counter:      metering.NewTokenCounter(4.0),
		defaultModel: defaultModel,
		clients:      make(map[string]*bedrockruntime.Client),
	}
}

func (a *Adapter) Name() string { return "bedrock" }

func (a *Adapter) Close() error { return nil }

func (a *Adapter) runtimeFor(tenant *adapter.Tenant) (*bedrockruntime.Client, error) {
	if tenant == nil || tenant.AccessKeyID == "" {
		return nil, fmt.Errorf("bedrock: request missing tenant context")
	}

	a.mu.Lock()
	client, ok := a.clients[tenant.AccessKeyID]
	a.mu.Unlock()
	if ok {
		return client, nil
	}

	plaintext, err := a.credentials.Load(tenant.AccessKeyID)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load credential: %w", err)
	}
	var secret tenantSecret
	if err := json.Unmarshal(plaintext, &secret); err != nil {
		return nil, fmt.Errorf("bedrock: decrypted credential is not valid JSON: %w", err)
	}

	region := tenant.BedrockRegion
	if region == "" {
		return nil, fmt.Errorf("bedrock: tenant has no configured region")
	}

	cfg := awssdk.Config{
		Region: region,
		Credentials: credentials.NewStaticCredentialsProvider(
			secret.AWSAccessKeyID, secret.AWSSecretAccessKey, secret.SessionToken,
		),
	}
	client = bedrockruntime.NewFromConfig(cfg)

	a.mu.Lock()
	a.clients[tenant.AccessKeyID] = client
	a.mu.Unlock()
	return client, nil
}

// InvalidateTenant drops the cached per-tenant Bedrock client. Like
// CredentialSource.Invalidate, it has no caller in this repository;
// key revocation does not reach it.
func (a *Adapter) InvalidateTenant(accessKeyID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.clients, accessKeyID)
}

func (a *Adapter) modelFor(tenant *adapter.Tenant, req *adapter.Request) string {
	if req.Model != "" {
		return req.Model
	}
	if tenant != nil && tenant.BedrockModel != "" {
		return tenant.BedrockModel
	}
	return a.defaultModel
}

// Invoke issues a unary Converse call and translates the response.
func (a *Adapter) Invoke(ctx context.Context, req *adapter.Request) (*adapter.Response, *adapter.Error) {
	client, err := a.runtimeFor(req.Tenant)
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.BedrockValidation, HTTPStatus: 400, Message: err.Error(), Retryable: false}
	}

	input, terr := buildConverseInput(req, a.modelFor(req.Tenant, req))
	if terr != nil {
		return nil, terr
	}

	output, err := client.Converse(ctx, input)
	if err != nil {
		return nil, classifyError(ctx, err)
	}

	resp, terr := translateResponse(output, a.modelFor(req.Tenant, req))
	if terr != nil {
		return nil, terr
	}
	return resp, nil
}

// Stream issues a ConverseStream call and returns a ByteStream that
// emits public SSE events.
func (a *Adapter) Stream(ctx context.Context, req *adapter.Request) (adapter.ByteStream, *adapter.Error) {
	client, err := a.runtimeFor(req.Tenant)
	if err != nil {
		return nil, &adapter.Error{Kind: adapter.BedrockValidation, HTTPStatus: 400, Message: err.Error(), Retryable: false}
	}

	input, terr := buildConverseStreamInput(req, a.modelFor(req.Tenant, req))
	if terr != nil {
		return nil, terr
	}

	output, err := client.ConverseStream(ctx, input)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	stream := output.GetStream()
	if stream == nil {
		return nil, &adapter.Error{Kind: adapter.BedrockUnavailable, HTTPStatus: 503, Message: "bedrock stream output missing event stream", Retryable: true}
	}
	return newEventStream(ctx, stream, a.modelFor(req.Tenant, req)), nil
}

// CountTokens has no Bedrock Converse equivalent, so it returns a
// local character-based estimate over the flattened request text
// (spec §2.3's supplemented behavior, grounded on metering.TokenCounter).
func (a *Adapter) CountTokens(ctx context.Context, req *adapter.Request) (*adapter.CountResponse, *adapter.Error) {
	total := 0
	for _, s := range req.SystemBlocks() {
		total += a.counter.EstimateTokens(s)
	}
	for _, m := range req.Messages {
		for _, b := range m.ContentBlocks() {
			total += a.counter.EstimateTokens(b.Text)
			if len(b.Input) > 0 {
				total += a.counter.EstimateTokens(string(b.Input))
			}
		}
		total += 4
	}
	for _, t := range req.Tools {
		total += a.counter.EstimateTokens(t.EffectiveName())
		total += a.counter.EstimateTokens(string(t.Schema()))
	}
	return &adapter.CountResponse{InputTokens: total}, nil
}

func buildConverseInput(req *adapter.Request, modelID string) (*bedrockruntime.ConverseInput, *adapter.Error) {
	messages, system, terr := encodeMessages(req)
	if terr != nil {
		return nil, terr
	}
	toolConfig, terr := encodeTools(req)
	if terr != nil {
		return nil, terr
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  awssdk.String(modelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	if cfg := inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input, nil
}

func buildConverseStreamInput(req *adapter.Request, modelID string) (*bedrockruntime.ConverseStreamInput, *adapter.Error) {
	messages, system, terr := encodeMessages(req)
	if terr != nil {
		return nil, terr
	}
	toolConfig, terr := encodeTools(req)
	if terr != nil {
		return nil, terr
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  awssdk.String(modelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	if cfg := inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input, nil
}

func inferenceConfig(req *adapter.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		cfg.MaxTokens = awssdk.Int32(int32(*req.MaxTokens))
	}
	if req.Temperature != nil && *req.Temperature > 0 {
		cfg.Temperature = awssdk.Float32(float32(*req.Temperature))
	}
	if req.TopP != nil && *req.TopP > 0 {
		cfg.TopP = awssdk.Float32(float32(*req.TopP))
	}
	if len(req.StopSequences) > 0 {
		cfg.StopSequences = req.StopSequences
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil && cfg.TopP == nil && cfg.StopSequences == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(req *adapter.Request) ([]brtypes.Message, []brtypes.SystemContentBlock, *adapter.Error) {
	var system []brtypes.SystemContentBlock
	for _, s := range req.SystemBlocks() {
		if s != "" {
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: s})
		}
	}

	messages := make([]brtypes.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		blocks := make([]brtypes.ContentBlock, 0, 1)
		for _, b := range m.ContentBlocks() {
			switch b.Type {
			case "text":
				if b.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: b.Text})
				}
			case "tool_use":
				tb := brtypes.ToolUseBlock{}
				if b.Name != "" {
					tb.Name = awssdk.String(b.Name)
				}
				if b.ID != "" {
					tb.ToolUseId = awssdk.String(b.ID)
				}
				if len(b.Input) > 0 {
					tb.Input = toDocument(b.Input)
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			case "tool_result":
				tr := brtypes.ToolResultBlock{}
				if b.ToolUseID != "" {
					tr.ToolUseId = awssdk.String(b.ToolUseID)
				}
				if b.IsError {
					tr.Status = brtypes.ToolResultStatusError
				} else {
					tr.Status = brtypes.ToolResultStatusSuccess
				}
				switch content := b.Content.(type) {
				case string:
					tr.Content = []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: content}}
				case nil:
				default:
					var v interface{} = content
					tr.Content = []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberJson{Value: document.NewLazyDocument(&v)}}
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		role := brtypes.ConversationRoleAssistant
		if m.Role == "user" {
			role = brtypes.ConversationRoleUser
		}
		messages = append(messages, brtypes.Message{Role: role, Content: blocks})
	}

	if len(messages) == 0 {
		return nil, nil, &adapter.Error{Kind: adapter.BedrockValidation, HTTPStatus: 400, Message: "at least one user/assistant message is required", Retryable: false}
	}
	return messages, system, nil
}

func encodeTools(req *adapter.Request) (*brtypes.ToolConfiguration, *adapter.Error) {
	if len(req.Tools) == 0 {
		return nil, nil
	}
	tools := make([]brtypes.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		raw := t.Schema()
		if len(raw) == 0 {
			raw = json.RawMessage(`{"type":"object"}`)
		} else if !json.Valid(raw) {
			return nil, &adapter.Error{Kind: adapter.BedrockValidation, HTTPStatus: 400, Message: fmt.Sprintf("invalid tool schema for %q", t.EffectiveName()), Retryable: false}
		}
		tools = append(tools, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        awssdk.String(t.EffectiveName()),
				Description: awssdk.String(t.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(raw)},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: tools}, nil
}

// translateResponse maps output.message.content[] to the public
// content[] shape (spec §4.5's mapping table) and copies usage through
// unchanged.
func translateResponse(output *bedrockruntime.ConverseOutput, modelID string) (*adapter.Response, *adapter.Error) {
	if output == nil || output.Output == nil {
		return nil, &adapter.Error{Kind: adapter.BedrockModelError, HTTPStatus: 502, Message: "bedrock returned no output message", Retryable: true}
	}
	msgOutput, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, &adapter.Error{Kind: adapter.BedrockModelError, HTTPStatus: 502, Message: "bedrock returned an unsupported output variant", Retryable: true}
	}

	blocks := make([]adapter.ContentBlock, 0, len(msgOutput.Value.Content))
	for _, c := range msgOutput.Value.Content {
		switch v := c.(type) {
		case *brtypes.ContentBlockMemberText:
			blocks = append(blocks, adapter.ContentBlock{Type: "text", Text: v.Value})
		case *brtypes.ContentBlockMemberToolUse:
			blocks = append(blocks, adapter.ContentBlock{
				Type:  "tool_use",
				ID:    awssdk.ToString(v.Value.ToolUseId),
				Name:  awssdk.ToString(v.Value.Name),
				Input: decodeDocument(v.Value.Input),
			})
		}
	}

	usage := adapter.Usage{}
	if output.Usage != nil {
		usage.InputTokens = int(awssdk.ToInt32(output.Usage.InputTokens))
		usage.OutputTokens = int(awssdk.ToInt32(output.Usage.OutputTokens))
		if output.Usage.CacheReadInputTokens != nil {
			v := int(awssdk.ToInt32(output.Usage.CacheReadInputTokens))
			usage.CacheReadInputTokens = &v
		}
		if output.Usage.CacheWriteInputTokens != nil {
			v := int(awssdk.ToInt32(output.Usage.CacheWriteInputTokens))
			usage.CacheCreationInputTokens = &v
		}
	}

	id := fingerprint.CanonicalJSONID("msg", map[string]interface{}{
		"model":       modelID,
		"content":     blocks,
		"stop_reason": string(output.StopReason),
		"usage":       usage,
	})

	return &adapter.Response{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      modelID,
		Content:    blocks,
		StopReason: string(output.StopReason),
		Usage:      usage,
	}, nil
}

// toDocument wraps a JSON tool-input/tool-schema payload as a smithy
// document, grounded on goa-ai's toDocument/lazyDocument pair.
func toDocument(raw json.RawMessage) document.Interface {
	if len(raw) == 0 {
		var empty interface{} = map[string]interface{}{"type": "object"}
		return document.NewLazyDocument(&empty)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		var empty interface{} = map[string]interface{}{"type": "object"}
		return document.NewLazyDocument(&empty)
	}
	return document.NewLazyDocument(&decoded)
}

// decodeDocument reverses toDocument for a tool_use block returned by
// Bedrock, grounded on goa-ai's decodeDocument.
func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

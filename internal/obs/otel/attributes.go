package otel

import "go.opentelemetry.io/otel/attribute"

// Semantic convention attributes following OpenLLMetry and OpenTelemetry
// standards, plus gateway-specific labels for credential routing.

var (
	// AttrLLMModel identifies the model served (e.g., "claude-sonnet-4-20250514")
	AttrLLMModel = attribute.Key("llm.model")

	// AttrLLMRequestModel identifies the model requested by the client
	AttrLLMRequestModel = attribute.Key("llm.request.model")

	// AttrLLMTokenType identifies the type of token (input/output)
	AttrLLMTokenType = attribute.Key("llm.token_type")

	// AttrLLMScenario identifies the API scenario (openai, anthropic, claude_code)
	AttrLLMScenario = attribute.Key("llm.scenario")

	// AttrLLMStreaming indicates whether the request was streaming
	AttrLLMStreaming = attribute.Key("llm.streaming")

	// AttrLLMResponseStatus indicates the response status (success, error, canceled)
	AttrLLMResponseStatus = attribute.Key("llm.response.status")

	// AttrLLMErrorCode contains the error code if status is error
	AttrLLMErrorCode = attribute.Key("llm.error.code")

	// AttrAccountKind distinguishes upstream credentials from external API
	// accounts ("credential" / "external")
	AttrAccountKind = attribute.Key("gateway.account.kind")

	// AttrCredentialID identifies the credential or account that served
	// the request
	AttrCredentialID = attribute.Key("gateway.credential.id")

	// AttrTokenCountMethod records how input tokens were determined
	// ("upstream" / "local")
	AttrTokenCountMethod = attribute.Key("gateway.token_count.method")
)

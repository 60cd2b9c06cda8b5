package storage

// Well-known attribute keys and event names emitted by the yuutrace SDK.
// The collector tolerates their absence everywhere; they only drive the
// denormalized span columns and the rollup queries.
const (
	// Conversation root span attributes.
	AttrConversationID    = "yuu.conversation.id"
	AttrAgent             = "yuu.agent"
	AttrConversationTags  = "yuu.conversation.tags"
	AttrConversationModel = "yuu.conversation.model"

	// Cost events.
	EventCost      = "yuu.cost"
	AttrCostAmount = "yuu.cost.amount"

	// LLM usage events.
	EventLLMUsage             = "yuu.llm.usage"
	AttrUsageInputTokens      = "yuu.llm.usage.input_tokens"
	AttrUsageOutputTokens     = "yuu.llm.usage.output_tokens"
	AttrUsageCacheReadTokens  = "yuu.llm.usage.cache_read_tokens"
	AttrUsageCacheWriteTokens = "yuu.llm.usage.cache_write_tokens"
)

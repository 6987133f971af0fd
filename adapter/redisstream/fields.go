package redisstream

// Stream entry fields (avoid typos/allocs)
const (
	fieldID            = "id"
	fieldTopic         = "topic"
	fieldOrigin        = "origin"
	fieldKind          = "kind" // "payload" or "raw"
	fieldPayload       = "payload"
	fieldReplyTo       = "reply_to"
	fieldCorrelationID = "correlation_id"
	fieldProducedAt    = "producedAt" // int64 ns
	fieldMetaPrefix    = "meta:"

	kindPayload = "payload"
	kindRaw     = "raw"
)

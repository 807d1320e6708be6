package types

// Account identifies the caller a request runs on behalf of. Auth and
// permissions are resolved upstream; the gateway only uses these IDs for
// cache keying and usage accounting.
type Account struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	TenantID       string `json:"tenant_id,omitempty"`
}

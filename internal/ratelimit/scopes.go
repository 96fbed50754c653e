package ratelimit

// Built-in scopes; their windows and ceilings come from config.
const (
	ScopeLeadsIP        = "leads_ip"
	ScopeLeadsEmail     = "leads_email"
	ScopeLeadsSignIP    = "leads_sign_ip"
	ScopeMessagingIP    = "messaging_ip"
	ScopeMessagingEmail = "messaging_email"
	ScopeChatSend       = "chat_send"
	ScopeChatStream     = "chat_stream"
)

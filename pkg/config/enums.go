package config

// TransportType defines MCP server transport types
type TransportType string

const (
	// TransportTypeStdio uses subprocess communication via stdin/stdout
	TransportTypeStdio TransportType = "stdio"
	// TransportTypeHTTP uses HTTP/HTTPS JSON-RPC
	TransportTypeHTTP TransportType = "http"
	// TransportTypeSSE uses Server-Sent Events
	TransportTypeSSE TransportType = "sse"
)

// IsValid checks if the transport type is valid
func (t TransportType) IsValid() bool {
	return t == TransportTypeStdio || t == TransportTypeHTTP || t == TransportTypeSSE
}

// GoogleNativeTool defines Google/Gemini native tools usable by the Gemini
// escalation tier.
type GoogleNativeTool string

const (
	// GoogleNativeToolGoogleSearch enables Google Search grounding
	GoogleNativeToolGoogleSearch GoogleNativeTool = "google_search"
	// GoogleNativeToolCodeExecution enables code execution
	GoogleNativeToolCodeExecution GoogleNativeTool = "code_execution"
	// GoogleNativeToolURLContext enables URL context fetching
	GoogleNativeToolURLContext GoogleNativeTool = "url_context"
)

// IsValid checks if the Google native tool is valid
func (t GoogleNativeTool) IsValid() bool {
	return t == GoogleNativeToolGoogleSearch ||
		t == GoogleNativeToolCodeExecution ||
		t == GoogleNativeToolURLContext
}

// AgentKind names one of the K8s-dispatched coding agent types the Agent
// Pool tracks independently (§4.4.5).
type AgentKind string

const (
	AgentKindAider     AgentKind = "aider"
	AgentKindOpenHands AgentKind = "openhands"
	AgentKindClaude    AgentKind = "claude"
	AgentKindJunie     AgentKind = "junie"
)

// IsValid checks if the agent kind is one the pool recognizes.
func (k AgentKind) IsValid() bool {
	switch k {
	case AgentKindAider, AgentKindOpenHands, AgentKindClaude, AgentKindJunie:
		return true
	default:
		return false
	}
}

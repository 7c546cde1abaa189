package domain

// SessionState is the lifecycle state of a tool-provider session.
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionConnected
	SessionDisconnected
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Transport kinds accepted in LaunchConfig.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// LaunchConfig tells a TransportFactory how to reach a tool provider.
// Command and Args are used for stdio providers, URL for http providers.
type LaunchConfig struct {
	Transport string            `json:"transport,omitempty" yaml:"transport,omitempty"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
}

// TransportKind returns the configured transport, defaulting to stdio.
func (c LaunchConfig) TransportKind() string {
	if c.Transport == "" {
		return TransportStdio
	}
	return c.Transport
}

// SessionInfo is a read-only snapshot of a registered or connecting session.
type SessionInfo struct {
	Name      string       `json:"name"`
	State     SessionState `json:"-"`
	ToolCount int          `json:"tool_count"`
}

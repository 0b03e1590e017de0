package types

// Op identifies the type of a wire frame
type Op string

const (
	OpHello      Op = "hello"
	OpHelloAck   Op = "hello_ack"
	OpHelloNak   Op = "hello_nak"
	OpListTools  Op = "list_tools"
	OpTools      Op = "tools"
	OpListModels Op = "list_models"
	OpModels     Op = "models"
	OpCallTool   Op = "call_tool"
	OpAck        Op = "ack"
	OpProgress   Op = "progress"
	OpResult     Op = "result"
	OpError      Op = "error"
	OpCancel     Op = "cancel"
	OpPing       Op = "ping"
	OpPong       Op = "pong"
)

// ClientInfo identifies a connecting client
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ServerInfo describes the daemon and its capabilities in a hello_ack
type ServerInfo struct {
	Version string      `json:"version"`
	Caps    *ServerCaps `json:"caps,omitempty"`
}

// ServerCaps lists the tools and models a session may use
type ServerCaps struct {
	Tools  []string `json:"tools"`
	Models []string `json:"models"`
}

// Usage records token and timing accounting for a completed call
type Usage struct {
	TokensIn   int    `json:"tokens_in"`
	TokensOut  int    `json:"tokens_out"`
	DurationMS int64  `json:"duration_ms"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Frame is a single JSON wire message. All frame types share one struct;
// fields are populated according to Op and unknown fields are ignored on
// decode.
type Frame struct {
	Op Op `json:"op"`

	// hello / hello_ack / hello_nak
	Token     string      `json:"token,omitempty"`
	Client    *ClientInfo `json:"client,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Server    *ServerInfo `json:"server,omitempty"`
	Reason    string      `json:"reason,omitempty"`

	// call_tool / ack / progress / result / error / cancel
	RequestID      string                 `json:"request_id,omitempty"`
	Tool           string                 `json:"tool,omitempty"`
	Arguments      map[string]interface{} `json:"arguments,omitempty"`
	ContinuationID string                 `json:"continuation_id,omitempty"`
	Timeout        float64                `json:"timeout,omitempty"`

	// progress
	Level   string                 `json:"level,omitempty"`
	Message string                 `json:"message,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`

	// result
	Value interface{} `json:"value,omitempty"`
	Usage *Usage      `json:"usage,omitempty"`

	// error
	Kind      ErrorKind              `json:"kind,omitempty"`
	Retryable bool                   `json:"retryable,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`

	// tools / models
	Items     []ToolDescriptor `json:"items,omitempty"`
	ModelList []ModelInfo      `json:"model_list,omitempty"`

	// pong
	Time string `json:"time,omitempty"`
}

// ToolDescriptor describes a registered tool for list_tools
type ToolDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Schema      map[string]interface{} `json:"schema"`
	Visibility  string                 `json:"visibility"`
}

// ModelInfo describes one model alias and its owning provider
type ModelInfo struct {
	Name          string  `json:"name"`
	Provider      string  `json:"provider"`
	ContextWindow int     `json:"context_window"`
	Supports      Support `json:"supports"`
}

// ErrorFrame builds a terminal error frame for a request
func ErrorFrame(requestID string, err error) *Frame {
	kind := KindOf(err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Frame{
		Op:        OpError,
		RequestID: requestID,
		Kind:      kind,
		Message:   msg,
		Retryable: kind.Retryable(),
		Details:   DetailsOf(err),
	}
}

package protocol

// This file holds one typed payload struct per message kind. The structs are
// the single source of truth for the wire schemas — validation is expressed
// directly on them rather than in a separate schema layer, so the compiler
// keeps handlers and wire format in sync.

// maxCommandLen bounds each commands-run entry before insertion so that
// completion payloads stay bounded even when the execution engine echoes very
// long shell invocations.
const maxCommandLen = 200

// ChatContext correlates a task with the chat thread it originated from.
// AnchorTS is the timestamp id of the user's message whose reaction emoji
// mirrors task status.
type ChatContext struct {
	ChannelID string `json:"channelId"`
	ThreadTS  string `json:"threadTs,omitempty"`
	UserID    string `json:"userId"`
	AnchorTS  string `json:"anchorTs,omitempty"`
}

// -----------------------------------------------------------------------------
// Authentication & liveness
// -----------------------------------------------------------------------------

// AuthRequest is the only payload accepted on a fresh connection. The key is
// verified against the credential store; everything else before a successful
// auth closes the socket.
type AuthRequest struct {
	AgentID string `json:"agentId"`
	APIKey  string `json:"apiKey"`
	Version string `json:"version"`
}

func (AuthRequest) Kind() MessageType { return TypeAuthRequest }

func (p AuthRequest) Validate() error {
	if p.AgentID == "" {
		return malformed(TypeAuthRequest, "missing agentId")
	}
	if p.APIKey == "" {
		return malformed(TypeAuthRequest, "missing apiKey")
	}
	if p.Version == "" {
		return malformed(TypeAuthRequest, "missing version")
	}
	return nil
}

// AuthResponse reports the outcome of an AuthRequest back to the agent.
type AuthResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	AgentID string `json:"agentId,omitempty"`
}

func (AuthResponse) Kind() MessageType { return TypeAuthResponse }

func (p AuthResponse) Validate() error {
	if !p.Success && p.Error == "" {
		return malformed(TypeAuthResponse, "failure response missing error")
	}
	return nil
}

// HeartbeatPing is sent by the server on every sweep tick to each live agent.
type HeartbeatPing struct {
	ServerTime int64 `json:"serverTime"`
}

func (HeartbeatPing) Kind() MessageType { return TypeHeartbeatPing }

func (p HeartbeatPing) Validate() error {
	if p.ServerTime <= 0 {
		return malformed(TypeHeartbeatPing, "missing serverTime")
	}
	return nil
}

// HeartbeatPong is the agent's liveness reply. It carries the active task set
// and a resource snapshot so the server can observe agent load without a
// separate metrics channel.
type HeartbeatPong struct {
	AgentID     string   `json:"agentId"`
	ServerTime  int64    `json:"serverTime"`
	ActiveTasks []string `json:"activeTasks"`
	CPUUsage    float64  `json:"cpuUsage"`
	MemoryUsage float64  `json:"memoryUsage"`
}

func (HeartbeatPong) Kind() MessageType { return TypeHeartbeatPong }

func (p HeartbeatPong) Validate() error {
	if p.AgentID == "" {
		return malformed(TypeHeartbeatPong, "missing agentId")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Task dispatch
// -----------------------------------------------------------------------------

// TaskSubmit dispatches one unit of work to an agent. It carries everything
// the agent needs to execute without calling back to the server.
type TaskSubmit struct {
	TaskID           string      `json:"taskId"`
	ProjectID        string      `json:"projectId"`
	BotName          string      `json:"botName"`
	Command          string      `json:"command"`
	Prompt           string      `json:"prompt"`
	SystemPrompt     string      `json:"systemPrompt,omitempty"`
	LocalPath        string      `json:"localPath"`
	Model            string      `json:"model"`
	MaxBudget        float64     `json:"maxBudget"`
	AllowedTools     []string    `json:"allowedTools"`
	ResumeSessionID  string      `json:"resumeSessionId,omitempty"`
	MaxContinuations int         `json:"maxContinuations,omitempty"`
	ParentTaskID     string      `json:"parentTaskId,omitempty"`
	Attachments      []string    `json:"attachments,omitempty"`
	ChatContext      ChatContext `json:"slackContext"`
}

func (TaskSubmit) Kind() MessageType { return TypeTaskSubmit }

func (p TaskSubmit) Validate() error {
	switch {
	case p.TaskID == "":
		return malformed(TypeTaskSubmit, "missing taskId")
	case p.ProjectID == "":
		return malformed(TypeTaskSubmit, "missing projectId")
	case p.Command == "":
		return malformed(TypeTaskSubmit, "missing command")
	case p.Prompt == "":
		return malformed(TypeTaskSubmit, "missing prompt")
	case p.LocalPath == "":
		return malformed(TypeTaskSubmit, "missing localPath")
	case p.Model == "":
		return malformed(TypeTaskSubmit, "missing model")
	case p.ChatContext.ChannelID == "" || p.ChatContext.UserID == "":
		return malformed(TypeTaskSubmit, "incomplete slackContext")
	}
	return nil
}

// TaskAck is the agent's acceptance (or rejection) of a TaskSubmit.
type TaskAck struct {
	TaskID        string `json:"taskId"`
	Accepted      bool   `json:"accepted"`
	Reason        string `json:"reason,omitempty"`
	QueuePosition int    `json:"queuePosition,omitempty"`
}

func (TaskAck) Kind() MessageType { return TypeTaskAck }

func (p TaskAck) Validate() error {
	if p.TaskID == "" {
		return malformed(TypeTaskAck, "missing taskId")
	}
	if !p.Accepted && p.Reason == "" {
		return malformed(TypeTaskAck, "rejection missing reason")
	}
	return nil
}

// ProgressKind classifies a TaskProgress event.
type ProgressKind string

const (
	ProgressToolUse  ProgressKind = "tool_use"
	ProgressThinking ProgressKind = "thinking"
	ProgressInfo     ProgressKind = "info"
)

// TaskProgress is a discrete tool-progress step ("Reading auth.go", ...).
type TaskProgress struct {
	TaskID    string       `json:"taskId"`
	Type      ProgressKind `json:"type"`
	Message   string       `json:"message"`
	Timestamp int64        `json:"timestamp"`
}

func (TaskProgress) Kind() MessageType { return TypeTaskProgress }

func (p TaskProgress) Validate() error {
	if p.TaskID == "" {
		return malformed(TypeTaskProgress, "missing taskId")
	}
	switch p.Type {
	case ProgressToolUse, ProgressThinking, ProgressInfo:
	default:
		return malformed(TypeTaskProgress, "invalid progress type %q", p.Type)
	}
	if p.Message == "" {
		return malformed(TypeTaskProgress, "missing message")
	}
	return nil
}

// TaskStream carries one incremental text delta of the result in flight.
type TaskStream struct {
	TaskID    string `json:"taskId"`
	Delta     string `json:"delta"`
	Timestamp int64  `json:"timestamp"`
}

func (TaskStream) Kind() MessageType { return TypeTaskStream }

func (p TaskStream) Validate() error {
	if p.TaskID == "" {
		return malformed(TypeTaskStream, "missing taskId")
	}
	return nil
}

// TaskComplete is the terminal success report with aggregate usage.
// FilesChanged and CommandsRun are semantically unordered string sets;
// command strings are truncated to maxCommandLen on construction by the agent
// (see BoundCommand) so payloads stay bounded.
type TaskComplete struct {
	TaskID        string   `json:"taskId"`
	Result        string   `json:"result"`
	SessionID     string   `json:"sessionId,omitempty"`
	InputTokens   int64    `json:"inputTokens"`
	OutputTokens  int64    `json:"outputTokens"`
	EstimatedCost float64  `json:"estimatedCost"`
	FilesChanged  []string `json:"filesChanged"`
	CommandsRun   []string `json:"commandsRun"`
	DurationMs    int64    `json:"durationMs"`
	Continuations int      `json:"continuations,omitempty"`
	Model         string   `json:"model"`
}

func (TaskComplete) Kind() MessageType { return TypeTaskComplete }

func (p TaskComplete) Validate() error {
	if p.TaskID == "" {
		return malformed(TypeTaskComplete, "missing taskId")
	}
	if p.InputTokens < 0 || p.OutputTokens < 0 || p.EstimatedCost < 0 {
		return malformed(TypeTaskComplete, "negative usage values")
	}
	return nil
}

// ErrMaxTurns is the distinguished error marker an agent reports when an
// invocation ends because the per-invocation turn cap was reached. The
// continuation driver keys off this value.
const ErrMaxTurns = "error_max_turns"

// TaskError is the terminal failure report. Recoverable signals whether a
// resubmit is worth offering to the user.
type TaskError struct {
	TaskID      string `json:"taskId"`
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable"`
	SessionID   string `json:"sessionId,omitempty"`

	// PartialResult carries whatever output the invocation produced before
	// it was cut off. Set for turn-cap failures so the user is not left
	// with nothing when the continuation budget is spent.
	PartialResult string `json:"partialResult,omitempty"`
}

func (TaskError) Kind() MessageType { return TypeTaskError }

func (p TaskError) Validate() error {
	if p.TaskID == "" {
		return malformed(TypeTaskError, "missing taskId")
	}
	if p.Error == "" {
		return malformed(TypeTaskError, "missing error")
	}
	return nil
}

// TaskCancel asks agents to abort a task. It is broadcast to every online
// agent — the one that owns the task honours it, the rest ignore it.
type TaskCancel struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

func (TaskCancel) Kind() MessageType { return TypeTaskCancel }

func (p TaskCancel) Validate() error {
	if p.TaskID == "" {
		return malformed(TypeTaskCancel, "missing taskId")
	}
	return nil
}

// TaskCancelled confirms an abort took effect on the agent.
type TaskCancelled struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

func (TaskCancelled) Kind() MessageType { return TypeTaskCancelled }

func (p TaskCancelled) Validate() error {
	if p.TaskID == "" {
		return malformed(TypeTaskCancelled, "missing taskId")
	}
	return nil
}

// AgentStatus is an unsolicited agent state report (startup, draining, ...).
type AgentStatus struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

func (AgentStatus) Kind() MessageType { return TypeAgentStatus }

func (p AgentStatus) Validate() error {
	if p.AgentID == "" {
		return malformed(TypeAgentStatus, "missing agentId")
	}
	if p.Status == "" {
		return malformed(TypeAgentStatus, "missing status")
	}
	return nil
}

// SystemRestart tells agents to finish their active tasks and reconnect —
// used for rolling server restarts.
type SystemRestart struct {
	Reason     string `json:"reason"`
	GraceSecs  int    `json:"graceSecs,omitempty"`
	ServerTime int64  `json:"serverTime"`
}

func (SystemRestart) Kind() MessageType { return TypeSystemRestart }

func (p SystemRestart) Validate() error {
	if p.ServerTime <= 0 {
		return malformed(TypeSystemRestart, "missing serverTime")
	}
	return nil
}

// BoundCommand truncates a commands-run entry to maxCommandLen before it is
// inserted into a TaskComplete set.
func BoundCommand(cmd string) string {
	if len(cmd) <= maxCommandLen {
		return cmd
	}
	return cmd[:maxCommandLen]
}

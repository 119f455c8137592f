package realtime

import "fmt"

// Client event types.
const (
	eventSessionUpdate      = "session.update"
	eventAudioAppend        = "input_audio_buffer.append"
	eventAudioCommit        = "input_audio_buffer.commit"
	eventResponseCreate     = "response.create"
	eventConversationCreate = "conversation.item.create"
)

// Server event types.
const (
	eventAudioDelta       = "response.audio.delta"
	eventOutputAudioDelta = "response.output_audio.delta"
	eventResponseDone     = "response.done"
	eventError            = "error"
)

// Error codes that do not end a reply. With server-side turn detection the
// service may commit the buffer and start a response before the client does.
var benignErrorCodes = map[string]bool{
	"input_audio_buffer_commit_empty":          true,
	"conversation_already_has_active_response": true,
}

// Tool describes a function the remote model may call.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// FunctionCall is a tool invocation requested by the remote model.
type FunctionCall struct {
	Name      string `json:"name"`
	CallID    string `json:"call_id"`
	Arguments string `json:"arguments"`
}

// Completion is the terminal result of one reply.
type Completion struct {
	ResponseID    string         `json:"response_id,omitempty"`
	Status        string         `json:"status,omitempty"`
	Transcript    string         `json:"transcript,omitempty"`
	FunctionCalls []FunctionCall `json:"function_calls,omitempty"`
	AudioBytes    int            `json:"audio_bytes"`
}

// ServiceError is an error reported by the remote service.
type ServiceError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime service error %s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("realtime service error %s: %s", e.Type, e.Message)
}

type turnDetection struct {
	Type string `json:"type"`
}

type sessionConfig struct {
	Modalities        []string       `json:"modalities"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection"`
	Tools             []Tool         `json:"tools,omitempty"`
	ToolChoice        string         `json:"tool_choice,omitempty"`
}

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type simpleEvent struct {
	Type string `json:"type"`
}

type functionOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type conversationItemEvent struct {
	Type string             `json:"type"`
	Item functionOutputItem `json:"item"`
}

// serverEvent holds the fields of every server event the client reads.
type serverEvent struct {
	Type     string        `json:"type"`
	EventID  string        `json:"event_id"`
	Delta    string        `json:"delta"`
	Response *responseBody `json:"response"`
	Error    *ServiceError `json:"error"`
}

type responseBody struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	StatusDetails *statusDetails `json:"status_details"`
	Output        []responseItem `json:"output"`
}

type statusDetails struct {
	Type   string        `json:"type"`
	Reason string        `json:"reason"`
	Error  *ServiceError `json:"error"`
}

type responseItem struct {
	Type      string            `json:"type"`
	Name      string            `json:"name"`
	CallID    string            `json:"call_id"`
	Arguments string            `json:"arguments"`
	Content   []responseContent `json:"content"`
}

type responseContent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Text       string `json:"text"`
}

// completion extracts the transcript and function calls of a finished response.
func (r *responseBody) completion() Completion {
	c := Completion{ResponseID: r.ID, Status: r.Status}
	for _, item := range r.Output {
		switch item.Type {
		case "message":
			for _, content := range item.Content {
				text := content.Transcript
				if text == "" {
					text = content.Text
				}
				if text == "" {
					continue
				}
				if c.Transcript != "" {
					c.Transcript += " "
				}
				c.Transcript += text
			}
		case "function_call":
			c.FunctionCalls = append(c.FunctionCalls, FunctionCall{
				Name:      item.Name,
				CallID:    item.CallID,
				Arguments: item.Arguments,
			})
		}
	}
	return c
}

package hub

import (
	"encoding/json"
	"fmt"

	"github.com/robman/flohub/internal/intervene"
	"github.com/robman/flohub/internal/runner"
	"github.com/robman/flohub/internal/toolrouter"
	"github.com/robman/flohub/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// maxFrameSize caps one inbound WebSocket frame. Tool inputs and
// persisted sessions ride inside frames, so the cap matches the tool
// parameter limit plus envelope headroom.
const maxFrameSize = 11 << 20

// inboundMessage is the decoded union of every client frame. Type
// selects which fields are meaningful.
type inboundMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// auth
	Token string `json:"token,omitempty"`

	// agent addressing
	HubAgentID string `json:"hubAgentId,omitempty"`

	// tool_request
	ToolName string          `json:"toolName,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`

	// fetch_request
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// api_proxy_request (Path + Body), fetch_request (Body)
	Path string `json:"path,omitempty"`
	Body string `json:"body,omitempty"`

	// persist_agent
	Session json.RawMessage `json:"session,omitempty"`

	// agent_action
	Action string `json:"action,omitempty"`

	// send_message
	Text string `json:"text,omitempty"`

	// dom_state_update / state_write_through
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`

	// browser_tool_result
	Result *wireToolResult `json:"result,omitempty"`

	// skill_approval_response
	Approved *bool `json:"approved,omitempty"`

	// browse_intervene_request
	Mode string `json:"mode,omitempty"`

	// browse_intervene_input
	Event *intervene.InputEvent `json:"event,omitempty"`

	// push_subscribe / push_unsubscribe
	Subscription *PushSubscription `json:"subscription,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`

	// push_verify_pin
	PIN string `json:"pin,omitempty"`

	// visibility_state
	Visible *bool `json:"visible,omitempty"`
}

// wireToolResult is the browser's tool outcome payload.
type wireToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// frameSchemas constrains the inbound frames that carry required
// fields. Types absent from the map only need the envelope.
var frameSchemas = map[string]*jsonschema.Schema{
	"auth": jsonschema.MustCompileString("auth.json", `{
		"type": "object",
		"properties": {"token": {"type": "string", "minLength": 1}},
		"required": ["token"]
	}`),
	"tool_request": jsonschema.MustCompileString("tool_request.json", `{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"hubAgentId": {"type": "string", "minLength": 1},
			"toolName": {"type": "string", "minLength": 1}
		},
		"required": ["id", "hubAgentId", "toolName"]
	}`),
	"fetch_request": jsonschema.MustCompileString("fetch_request.json", `{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"url": {"type": "string", "minLength": 1}
		},
		"required": ["id", "url"]
	}`),
	"api_proxy_request": jsonschema.MustCompileString("api_proxy_request.json", `{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"path": {"type": "string", "minLength": 1},
			"body": {"type": "string"}
		},
		"required": ["id", "path", "body"]
	}`),
	"persist_agent": jsonschema.MustCompileString("persist_agent.json", `{
		"type": "object",
		"properties": {"session": {"type": "object"}},
		"required": ["session"]
	}`),
	"restore_agent": jsonschema.MustCompileString("restore_agent.json", `{
		"type": "object",
		"properties": {"hubAgentId": {"type": "string", "minLength": 1}},
		"required": ["hubAgentId"]
	}`),
	"agent_action": jsonschema.MustCompileString("agent_action.json", `{
		"type": "object",
		"properties": {
			"hubAgentId": {"type": "string", "minLength": 1},
			"action": {"type": "string", "enum": ["stop", "close", "delete"]}
		},
		"required": ["hubAgentId", "action"]
	}`),
	"send_message": jsonschema.MustCompileString("send_message.json", `{
		"type": "object",
		"properties": {
			"hubAgentId": {"type": "string", "minLength": 1},
			"text": {"type": "string", "minLength": 1}
		},
		"required": ["hubAgentId", "text"]
	}`),
	"subscribe_agent": jsonschema.MustCompileString("subscribe_agent.json", `{
		"type": "object",
		"properties": {"hubAgentId": {"type": "string", "minLength": 1}},
		"required": ["hubAgentId"]
	}`),
	"unsubscribe_agent": jsonschema.MustCompileString("unsubscribe_agent.json", `{
		"type": "object",
		"properties": {"hubAgentId": {"type": "string", "minLength": 1}},
		"required": ["hubAgentId"]
	}`),
	"dom_state_update": jsonschema.MustCompileString("dom_state_update.json", `{
		"type": "object",
		"properties": {
			"hubAgentId": {"type": "string", "minLength": 1},
			"key": {"type": "string", "minLength": 1}
		},
		"required": ["hubAgentId", "key"]
	}`),
	"state_write_through": jsonschema.MustCompileString("state_write_through.json", `{
		"type": "object",
		"properties": {
			"hubAgentId": {"type": "string", "minLength": 1},
			"key": {"type": "string", "minLength": 1}
		},
		"required": ["hubAgentId", "key"]
	}`),
	"browser_tool_result": jsonschema.MustCompileString("browser_tool_result.json", `{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"result": {"type": "object"}
		},
		"required": ["id", "result"]
	}`),
	"skill_approval_response": jsonschema.MustCompileString("skill_approval_response.json", `{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"approved": {"type": "boolean"}
		},
		"required": ["id", "approved"]
	}`),
	"browse_intervene_request": jsonschema.MustCompileString("browse_intervene_request.json", `{
		"type": "object",
		"properties": {
			"hubAgentId": {"type": "string", "minLength": 1},
			"mode": {"type": "string", "enum": ["visible", "private", ""]}
		},
		"required": ["hubAgentId"]
	}`),
	"browse_intervene_input": jsonschema.MustCompileString("browse_intervene_input.json", `{
		"type": "object",
		"properties": {
			"hubAgentId": {"type": "string", "minLength": 1},
			"event": {"type": "object", "required": ["type"]}
		},
		"required": ["hubAgentId", "event"]
	}`),
	"browse_intervene_release": jsonschema.MustCompileString("browse_intervene_release.json", `{
		"type": "object",
		"properties": {"hubAgentId": {"type": "string", "minLength": 1}},
		"required": ["hubAgentId"]
	}`),
	"browse_stream_request": jsonschema.MustCompileString("browse_stream_request.json", `{
		"type": "object",
		"properties": {"hubAgentId": {"type": "string", "minLength": 1}},
		"required": ["hubAgentId"]
	}`),
	"browse_stream_stop": jsonschema.MustCompileString("browse_stream_stop.json", `{
		"type": "object",
		"properties": {"hubAgentId": {"type": "string", "minLength": 1}},
		"required": ["hubAgentId"]
	}`),
	"push_subscribe": jsonschema.MustCompileString("push_subscribe.json", `{
		"type": "object",
		"properties": {"subscription": {"type": "object", "required": ["endpoint"]}},
		"required": ["subscription"]
	}`),
	"push_verify_pin": jsonschema.MustCompileString("push_verify_pin.json", `{
		"type": "object",
		"properties": {"pin": {"type": "string", "minLength": 1}},
		"required": ["pin"]
	}`),
}

// parseFrame validates one inbound frame against the envelope and its
// per-type schema, then decodes it.
func parseFrame(raw []byte) (*inboundMessage, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("frame is not an object")
	}
	msgType, ok := obj["type"].(string)
	if !ok || msgType == "" {
		return nil, fmt.Errorf("frame missing type")
	}

	if schema, found := frameSchemas[msgType]; found {
		if err := schema.Validate(decoded); err != nil {
			return nil, fmt.Errorf("invalid %s frame: %w", msgType, err)
		}
	}

	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", msgType, err)
	}
	return &msg, nil
}

// Outbound frames.

type authResultMsg struct {
	Type            string   `json:"type"`
	Success         bool     `json:"success"`
	Error           string   `json:"error,omitempty"`
	HubID           string   `json:"hubId,omitempty"`
	HubName         string   `json:"hubName,omitempty"`
	SharedProviders []string `json:"sharedProviders,omitempty"`
	HTTPAPIURL      string   `json:"httpApiUrl,omitempty"`
}

type announceToolsMsg struct {
	Type  string   `json:"type"`
	Tools []string `json:"tools"`
}

type errorMsg struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

type toolResultMsg struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Result wireToolResult `json:"result"`
}

type fetchResultMsg struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
	Error   string            `json:"error,omitempty"`
}

type apiStreamChunkMsg struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Chunk string `json:"chunk"`
}

type apiStreamEndMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type apiErrorMsg struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

type persistResultMsg struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Success    bool   `json:"success"`
	HubAgentID string `json:"hubAgentId,omitempty"`
	Error      string `json:"error,omitempty"`
}

type restoreResultMsg struct {
	Type    string               `json:"type"`
	ID      string               `json:"id,omitempty"`
	Success bool                 `json:"success"`
	Agent   *models.AgentSummary `json:"agent,omitempty"`
	Error   string               `json:"error,omitempty"`
}

type hubAgentsMsg struct {
	Type   string                `json:"type"`
	ID     string                `json:"id,omitempty"`
	Agents []models.AgentSummary `json:"agents"`
}

type ackMsg struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type agentEventMsg struct {
	Type       string       `json:"type"`
	HubAgentID string       `json:"hubAgentId"`
	Event      runner.Event `json:"event"`
}

type browserToolRequestMsg struct {
	Type string `json:"type"`
	toolrouter.Request
}

type skillApprovalRequestMsg struct {
	Type  string       `json:"type"`
	ID    string       `json:"id"`
	Skill models.Skill `json:"skill"`
}

type interveneResultMsg struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Success    bool   `json:"success"`
	HubAgentID string `json:"hubAgentId,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Error      string `json:"error,omitempty"`
}

type streamTokenMsg struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	HubAgentID string `json:"hubAgentId"`
	Token      string `json:"token"`
	URL        string `json:"url"`
}

type pushResultMsg struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

package assistant

import (
	"bytes"
	"encoding/json"
	"html"
	"strings"
)

// Kind classifies decoded events.
type Kind string

const (
	KindText            Kind = "text"
	KindThinking        Kind = "thinking"
	KindToolUse         Kind = "tool_use"
	KindToolResult      Kind = "tool_result"
	KindCompletion      Kind = "completion"
	KindStatus          Kind = "status"
	KindMeta            Kind = "meta"
	KindCompactBoundary Kind = "compact_boundary"
	KindUsage           Kind = "usage"
	KindUnknown         Kind = "unknown"
)

// Event is one decoded protocol event. Kind determines which fields
// are populated; Raw always preserves the originating line.
type Event struct {
	Kind Kind

	// Text and thinking content. IsPartial marks stream deltas,
	// IsCumulative marks full-content assistant frames.
	Text         string
	IsPartial    bool
	IsCumulative bool

	// Tool traffic.
	ToolName  string
	ToolInput map[string]any
	ToolUseID string
	Content   string
	IsError   bool

	ErrorMessage string
	Status       string

	// Session metadata from the init frame.
	SessionID string
	Model     string
	Tools     []string
	WorkDir   string

	// Completion and accounting.
	StopReason string
	Usage      *Usage
	CostUSD    float64
	DurationMS int64
	NumTurns   int

	CompactTrigger   string
	PreCompactTokens int64

	Raw json.RawMessage
}

// Decoder splits a byte stream into newline-delimited frames and
// decodes them. Partial trailing lines survive Feed boundaries.
type Decoder struct {
	buf []byte
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk and returns the events decoded from every
// complete line it contains.
func (d *Decoder) Feed(p []byte) []Event {
	d.buf = append(d.buf, p...)
	var events []Event
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			return events
		}
		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]
		events = append(events, DecodeLine(line)...)
	}
}

// Flush decodes whatever remains in the buffer as a final
// unterminated line.
func (d *Decoder) Flush() []Event {
	if len(d.buf) == 0 {
		return nil
	}
	line := d.buf
	d.buf = nil
	return DecodeLine(line)
}

type frame struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	Text    string          `json:"text,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`

	Message *messageBody `json:"message,omitempty"`

	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	CWD       string   `json:"cwd,omitempty"`

	Status        string `json:"status,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`

	Result        json.RawMessage `json:"result,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	TotalCostUSD  float64         `json:"total_cost_usd,omitempty"`
	CostUSD       float64         `json:"cost_usd,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	DurationAPIMS int64           `json:"duration_api_ms,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`

	CompactMetadata *compactMetadata `json:"compact_metadata,omitempty"`

	Event *streamEventBody `json:"event,omitempty"`
}

type messageBody struct {
	Role       string          `json:"role,omitempty"`
	Model      string          `json:"model,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type compactMetadata struct {
	Trigger   string `json:"trigger,omitempty"`
	PreTokens int64  `json:"pre_tokens,omitempty"`
}

type streamEventBody struct {
	Type  string        `json:"type"`
	Index int           `json:"index,omitempty"`
	Delta *deltaBody    `json:"delta,omitempty"`
	Usage *Usage        `json:"usage,omitempty"`
	Block *contentBlock `json:"content_block,omitempty"`
}

type deltaBody struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Thinking   string `json:"thinking,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// DecodeLine decodes one protocol line. Unrecognized or non-JSON
// lines surface as a single Unknown event carrying the raw text.
func DecodeLine(line []byte) []Event {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var f frame
	if err := json.Unmarshal(line, &f); err != nil || f.Type == "" {
		return []Event{{Kind: KindUnknown, Text: string(line), Raw: rawCopy(line)}}
	}

	switch f.Type {
	case FrameTypeText, FrameTypeMessage:
		return []Event{{Kind: KindText, Text: decodeEntities(plainText(f)), Raw: rawCopy(line)}}
	case FrameTypeAssistant:
		return assistantEvents(f, line)
	case FrameTypeUser:
		return userEvents(f, line)
	case FrameTypeResult:
		return []Event{completionEvent(f, line)}
	case FrameTypeStatus:
		status := f.Status
		if status == "" {
			status = f.SessionStatus
		}
		return []Event{{Kind: KindStatus, Status: status, Raw: rawCopy(line)}}
	case FrameTypeSystem:
		return systemEvents(f, line)
	case FrameTypeStreamEvent:
		return streamEvents(f, line)
	default:
		return []Event{{Kind: KindUnknown, Text: string(line), Raw: rawCopy(line)}}
	}
}

func assistantEvents(f frame, line []byte) []Event {
	if f.Message == nil {
		return []Event{{Kind: KindUnknown, Text: string(line), Raw: rawCopy(line)}}
	}
	blocks := parseBlocks(f.Message.Content)
	events := make([]Event, 0, len(blocks)+1)
	for _, b := range blocks {
		switch b.Type {
		case "text":
			events = append(events, Event{
				Kind:         KindText,
				Text:         decodeEntities(b.Text),
				IsCumulative: true,
				Model:        f.Message.Model,
				Raw:          rawCopy(line),
			})
		case "thinking":
			events = append(events, Event{
				Kind: KindThinking,
				Text: decodeEntities(b.Thinking),
				Raw:  rawCopy(line),
			})
		case "tool_use":
			events = append(events, Event{
				Kind:      KindToolUse,
				ToolName:  b.Name,
				ToolInput: b.Input,
				ToolUseID: b.ID,
				Raw:       rawCopy(line),
			})
		case "tool_result":
			events = append(events, toolResultEvent(b, line))
		}
	}
	if f.Message.Usage != nil {
		events = append(events, Event{Kind: KindUsage, Usage: f.Message.Usage, Raw: rawCopy(line)})
	}
	return events
}

// userEvents extracts tool results. User frames without them are the
// CLI echoing the prompt back and decode to nothing.
func userEvents(f frame, line []byte) []Event {
	if f.Message == nil {
		return nil
	}
	var events []Event
	for _, b := range parseBlocks(f.Message.Content) {
		if b.Type == "tool_result" {
			events = append(events, toolResultEvent(b, line))
		}
	}
	return events
}

func toolResultEvent(b contentBlock, line []byte) Event {
	return Event{
		Kind:      KindToolResult,
		ToolUseID: b.ToolUseID,
		Content:   decodeEntities(flattenContent(b.Content)),
		IsError:   b.IsError,
		Raw:       rawCopy(line),
	}
}

func completionEvent(f frame, line []byte) Event {
	ev := Event{
		Kind:       KindCompletion,
		StopReason: f.Subtype,
		IsError:    f.IsError,
		Usage:      f.Usage,
		CostUSD:    f.TotalCostUSD,
		DurationMS: f.DurationMS,
		NumTurns:   f.NumTurns,
		Raw:        rawCopy(line),
	}
	if ev.CostUSD == 0 {
		ev.CostUSD = f.CostUSD
	}
	if len(f.Result) > 0 {
		var s string
		if err := json.Unmarshal(f.Result, &s); err == nil {
			ev.Text = decodeEntities(s)
		}
	}
	if ev.IsError && ev.Text != "" {
		ev.ErrorMessage = ev.Text
	}
	return ev
}

func systemEvents(f frame, line []byte) []Event {
	switch f.Subtype {
	case "init":
		return []Event{{
			Kind:      KindMeta,
			SessionID: f.SessionID,
			Model:     f.Model,
			Tools:     f.Tools,
			WorkDir:   f.CWD,
			Raw:       rawCopy(line),
		}}
	case "compact_boundary":
		ev := Event{Kind: KindCompactBoundary, Raw: rawCopy(line)}
		if f.CompactMetadata != nil {
			ev.CompactTrigger = f.CompactMetadata.Trigger
			ev.PreCompactTokens = f.CompactMetadata.PreTokens
		}
		return []Event{ev}
	default:
		return []Event{{Kind: KindUnknown, Text: string(line), Raw: rawCopy(line)}}
	}
}

// streamEvents handles partial content deltas and usage updates.
// Other stream machinery (block starts and stops) carries no content
// and decodes to nothing.
func streamEvents(f frame, line []byte) []Event {
	se := f.Event
	if se == nil {
		return []Event{{Kind: KindUnknown, Text: string(line), Raw: rawCopy(line)}}
	}
	switch se.Type {
	case "content_block_delta":
		if se.Delta == nil {
			return nil
		}
		switch se.Delta.Type {
		case "text_delta":
			return []Event{{
				Kind:      KindText,
				Text:      decodeEntities(se.Delta.Text),
				IsPartial: true,
				Raw:       rawCopy(line),
			}}
		case "thinking_delta":
			return []Event{{
				Kind:      KindThinking,
				Text:      decodeEntities(se.Delta.Thinking),
				IsPartial: true,
				Raw:       rawCopy(line),
			}}
		}
		return nil
	case "message_delta":
		if se.Usage == nil {
			return nil
		}
		ev := Event{Kind: KindUsage, Usage: se.Usage, Raw: rawCopy(line)}
		if se.Delta != nil {
			ev.StopReason = se.Delta.StopReason
		}
		return []Event{ev}
	default:
		return nil
	}
}

// parseBlocks accepts both block arrays and bare strings for message
// content.
func parseBlocks(raw json.RawMessage) []contentBlock {
	if len(raw) == 0 {
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return []contentBlock{{Type: "text", Text: s}}
	}
	return nil
}

// flattenContent renders tool result content, which may be a bare
// string or a list of text blocks, as plain text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func plainText(f frame) string {
	if f.Text != "" {
		return f.Text
	}
	var s string
	if err := json.Unmarshal(f.Content, &s); err == nil {
		return s
	}
	return ""
}

func decodeEntities(s string) string {
	if !strings.ContainsRune(s, '&') {
		return s
	}
	return html.UnescapeString(s)
}

func rawCopy(line []byte) json.RawMessage {
	out := make([]byte, len(line))
	copy(out, line)
	return out
}

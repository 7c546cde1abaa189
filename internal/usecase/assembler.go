package usecase

import (
	"fmt"
	"strings"

	"toolrelay/internal/domain"
)

// maxToolCallSlots bounds the number of tool-call slots one stream may open.
// Fragments addressed at or beyond it are dropped.
const maxToolCallSlots = 128

// pendingToolCall accumulates the fragments of one tool call.
type pendingToolCall struct {
	id        string
	name      string
	args      []byte
	announced bool
}

func (p *pendingToolCall) empty() bool {
	return p.id == "" && p.name == "" && len(p.args) == 0
}

// AssembledTurn is the complete assistant output of one streamed round.
type AssembledTurn struct {
	Content      string
	ToolCalls    []domain.ToolCallRequest
	FinishReason string
	Usage        domain.Usage
}

// DeltaAssembler rebuilds assistant text and tool calls from stream
// fragments. It is not safe for concurrent use.
type DeltaAssembler struct {
	content      strings.Builder
	slots        []pendingToolCall
	finishReason string
	usage        domain.Usage
}

// NewDeltaAssembler creates an empty assembler.
func NewDeltaAssembler() *DeltaAssembler {
	return &DeltaAssembler{}
}

// Add merges one fragment and returns the progress events it produces, in
// order: text first, then tool-call announcements.
func (a *DeltaAssembler) Add(delta domain.StreamDelta) []domain.StreamEvent {
	var events []domain.StreamEvent

	if delta.Content != "" {
		a.content.WriteString(delta.Content)
		events = append(events, domain.AssistantTextEvent(delta.Content))
	}

	for _, tc := range delta.ToolCalls {
		if tc.Index < 0 || tc.Index >= maxToolCallSlots {
			continue
		}
		for len(a.slots) <= tc.Index {
			a.slots = append(a.slots, pendingToolCall{})
		}

		slot := &a.slots[tc.Index]
		if tc.ID != "" {
			slot.id = tc.ID
		}
		if tc.Name != "" {
			slot.name = tc.Name
		}
		if tc.Arguments != "" {
			slot.args = append(slot.args, tc.Arguments...)
		}
		if slot.name != "" && len(slot.args) > 0 && !slot.announced {
			slot.announced = true
			events = append(events, domain.ToolCallStartedEvent(slot.name, string(slot.args)))
		}
	}

	if delta.FinishReason != "" {
		a.finishReason = delta.FinishReason
	}
	if delta.Usage != nil {
		a.usage = *delta.Usage
	}
	return events
}

// Flush announces named calls that never received argument text. Call it
// once the stream has ended.
func (a *DeltaAssembler) Flush() []domain.StreamEvent {
	var events []domain.StreamEvent
	for i := range a.slots {
		slot := &a.slots[i]
		if slot.name == "" || slot.announced {
			continue
		}
		slot.announced = true
		events = append(events, domain.ToolCallStartedEvent(slot.name, string(slot.args)))
	}
	return events
}

// Finish returns the assembled turn. Empty slots are skipped; a call that
// never received an id gets one derived from its index.
func (a *DeltaAssembler) Finish() AssembledTurn {
	turn := AssembledTurn{
		Content:      a.content.String(),
		FinishReason: a.finishReason,
		Usage:        a.usage,
	}
	for i := range a.slots {
		slot := &a.slots[i]
		if slot.empty() {
			continue
		}
		id := slot.id
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		turn.ToolCalls = append(turn.ToolCalls, domain.ToolCallRequest{
			ID:            id,
			QualifiedName: slot.name,
			Arguments:     string(slot.args),
		})
	}
	return turn
}

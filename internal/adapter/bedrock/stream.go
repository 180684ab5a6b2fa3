package bedrock

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/sergeybar/ak-gateway/internal/adapter"
	"github.com/sergeybar/ak-gateway/internal/fingerprint"
)

// streamState is the translator's state machine (spec §4.5 "Streaming
// translation": "a state machine with states INIT -> STARTED -> STOPPED;
// redundant transitions are suppressed; emissions outside the expected
// order are dropped rather than raised").
type streamState int

const (
	streamInit streamState = iota
	streamStarted
	streamStopped
)

// sseEvent is one public server-sent-event payload (spec §4.3/§4.5).
type sseEvent struct {
	Type            string                 `json:"type"`
	Message         map[string]interface{} `json:"message,omitempty"`
	Index           *int                   `json:"index,omitempty"`
	ContentBlock    map[string]interface{} `json:"content_block,omitempty"`
	Delta           map[string]interface{} `json:"delta,omitempty"`
	Usage           *adapter.Usage         `json:"usage,omitempty"`
}

// eventStream adapts a Bedrock ConverseStream event stream into an
// adapter.ByteStream of SSE frames, grounded on goadesign-goa-ai's
// bedrockStreamer/chunkProcessor pump (a run() goroutine draining
// stream.Events() through a translator, delivered over a channel),
// narrowed to emit this gateway's wire-format SSE frames instead of
// goa-ai's internal model.Chunk representation.
type eventStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream
	model  string

	frames chan []byte

	errMu sync.Mutex
	err   error
}

func newEventStream(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, model string) *eventStream {
	cctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		model:  model,
		frames: make(chan []byte, 32),
	}
	go s.run()
	return s
}

func (s *eventStream) Next() ([]byte, error) {
	select {
	case frame, ok := <-s.frames:
		if !ok {
			if err := s.getErr(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return frame, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *eventStream) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *eventStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *eventStream) getErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *eventStream) run() {
	defer close(s.frames)
	defer s.stream.Close()

	t := newTranslator(s.model)
	events := s.stream.Events()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(err)
				}
				for _, frame := range t.finish() {
					if !s.emit(frame) {
						return
					}
				}
				return
			}
			for _, frame := range t.handle(event) {
				if !s.emit(frame) {
					return
				}
			}
		}
	}
}

func (s *eventStream) emit(frame []byte) bool {
	select {
	case s.frames <- frame:
		return true
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
		return false
	}
}

// translator implements the INIT -> STARTED -> STOPPED event-to-SSE
// mapping table (spec §4.5).
type translator struct {
	model            string
	state            streamState
	pendingStopReasn string
	stopEmitted      bool
}

func newTranslator(model string) *translator {
	return &translator{model: model}
}

func (t *translator) handle(event interface{}) [][]byte {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		if t.state != streamInit {
			return nil
		}
		t.state = streamStarted
		return [][]byte{render(sseEvent{
			Type: "message_start",
			Message: map[string]interface{}{
				"id":      fingerprint.CanonicalJSONID("msg", map[string]interface{}{"model": t.model, "nonce": "start"}),
				"type":    "message",
				"role":    "assistant",
				"model":   t.model,
				"content": []interface{}{},
				"usage":   adapter.Usage{},
			},
		})}

	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		if t.state != streamStarted {
			return nil
		}
		idx := int(awssdk.ToInt32(ev.Value.ContentBlockIndex))
		start := ev.Value.Start
		switch v := start.(type) {
		case *brtypes.ContentBlockStartMemberToolUse:
			return [][]byte{render(sseEvent{
				Type:  "content_block_start",
				Index: &idx,
				ContentBlock: map[string]interface{}{
					"type":  "tool_use",
					"id":    awssdk.ToString(v.Value.ToolUseId),
					"name":  awssdk.ToString(v.Value.Name),
					"input": map[string]interface{}{},
				},
			})}
		default:
			return [][]byte{render(sseEvent{
				Type:         "content_block_start",
				Index:        &idx,
				ContentBlock: map[string]interface{}{"type": "text", "text": ""},
			})}
		}

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		if t.state != streamStarted {
			return nil
		}
		idx := int(awssdk.ToInt32(ev.Value.ContentBlockIndex))
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return [][]byte{render(sseEvent{
				Type:  "content_block_delta",
				Index: &idx,
				Delta: map[string]interface{}{"type": "text_delta", "text": delta.Value},
			})}
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if delta.Value.Input == nil {
				return nil
			}
			return [][]byte{render(sseEvent{
				Type:  "content_block_delta",
				Index: &idx,
				Delta: map[string]interface{}{"type": "input_json_delta", "partial_json": *delta.Value.Input},
			})}
		default:
			return nil
		}

	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		if t.state != streamStarted {
			return nil
		}
		idx := int(awssdk.ToInt32(ev.Value.ContentBlockIndex))
		return [][]byte{render(sseEvent{Type: "content_block_stop", Index: &idx})}

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		if t.state != streamStarted {
			return nil
		}
		t.pendingStopReasn = string(ev.Value.StopReason)
		return nil

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if t.state != streamStarted || t.stopEmitted {
			return nil
		}
		usage := adapter.Usage{}
		if ev.Value.Usage != nil {
			usage.InputTokens = int(awssdk.ToInt32(ev.Value.Usage.InputTokens))
			usage.OutputTokens = int(awssdk.ToInt32(ev.Value.Usage.OutputTokens))
			if ev.Value.Usage.CacheReadInputTokens != nil {
				v := int(awssdk.ToInt32(ev.Value.Usage.CacheReadInputTokens))
				usage.CacheReadInputTokens = &v
			}
			if ev.Value.Usage.CacheWriteInputTokens != nil {
				v := int(awssdk.ToInt32(ev.Value.Usage.CacheWriteInputTokens))
				usage.CacheCreationInputTokens = &v
			}
		}
		t.state = streamStopped
		t.stopEmitted = true
		return [][]byte{
			render(sseEvent{
				Type:  "message_delta",
				Delta: map[string]interface{}{"stop_reason": t.pendingStopReasn},
				Usage: &usage,
			}),
			render(sseEvent{Type: "message_stop"}),
		}

	default:
		return nil
	}
}

// finish handles "end-of-stream" (spec §4.5): if message_start fired and
// message_stop never did, synthesize a trailing message_stop.
func (t *translator) finish() [][]byte {
	if t.state == streamStarted && !t.stopEmitted {
		t.state = streamStopped
		t.stopEmitted = true
		return [][]byte{render(sseEvent{Type: "message_stop"})}
	}
	return nil
}

func render(ev sseEvent) []byte {
	body, _ := json.Marshal(ev)
	var buf bytes.Buffer
	buf.WriteString("data: ")
	buf.Write(body)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

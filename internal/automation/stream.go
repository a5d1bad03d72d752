package automation

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// Agent stream event types recognized by the consumer. Anything else
// is logged verbatim and otherwise ignored.
const (
	eventTypeTurn = "turn"
	eventTypeText = "text"

	// completeMarker is the terminator the agent emits when it believes
	// the task is done. Recognized both as a bare line and as an event
	// type.
	completeMarker    = "<complete/>"
	eventTypeComplete = "complete"
)

// streamEvent is one decoded line of the agent's JSONL output.
type streamEvent struct {
	Type           string `json:"type"`
	Text           string `json:"text,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	Summary        string `json:"summary,omitempty"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
	AgentMessageID string `json:"agent_message_id,omitempty"`
}

// maxScanTokenSize bounds a single agent output line.
const maxScanTokenSize = 1024 * 1024

// chunker buffers log lines and flushes them in bounded writes so a
// chatty subprocess cannot force one DB write per line.
type chunker struct {
	maxBytes int
	buf      strings.Builder
	lastText string
	flush    func(chunk string) error
}

func newChunker(maxBytes int, flush func(chunk string) error) *chunker {
	if maxBytes <= 0 {
		maxBytes = 16 * 1024
	}
	return &chunker{maxBytes: maxBytes, flush: flush}
}

// Add appends one raw line. Consecutive identical pure-text lines are
// shed rather than buffered.
func (c *chunker) Add(line string, pureText bool) error {
	if pureText {
		if line == c.lastText {
			return nil
		}
		c.lastText = line
	} else {
		c.lastText = ""
	}

	c.buf.WriteString(line)
	c.buf.WriteString("\n")
	if c.buf.Len() >= c.maxBytes {
		return c.Flush()
	}
	return nil
}

// Flush writes the buffered chunk, if any.
func (c *chunker) Flush() error {
	if c.buf.Len() == 0 {
		return nil
	}
	chunk := c.buf.String()
	c.buf.Reset()
	return c.flush(chunk)
}

// streamSink receives the consumer's projections.
type streamSink interface {
	// AppendChunk persists one log chunk.
	AppendChunk(chunk string) error
	// Turn projects a coding-agent turn event.
	Turn(ev streamEvent) error
}

// consumeStream reads the agent's stdout line by line until EOF or
// context cancellation. Returns whether the completion terminator was
// seen. Sink errors abort consumption; the subprocess keeps running
// and is handled by the caller.
func consumeStream(ctx context.Context, r io.Reader, sink streamSink) (bool, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	chunks := newChunker(0, sink.AppendChunk)
	complete := false

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Text()
		if line == "" {
			continue
		}

		if strings.TrimSpace(line) == completeMarker {
			complete = true
			if err := chunks.Add(line, false); err != nil {
				return complete, err
			}
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Not JSON: raw agent text.
			if err := chunks.Add(line, true); err != nil {
				return complete, err
			}
			continue
		}

		switch ev.Type {
		case eventTypeComplete:
			complete = true
		case eventTypeTurn:
			if err := sink.Turn(ev); err != nil {
				return complete, err
			}
		}

		if err := chunks.Add(line, ev.Type == eventTypeText); err != nil {
			return complete, err
		}
	}

	if err := chunks.Flush(); err != nil {
		return complete, err
	}
	return complete, scanner.Err()
}

// lastLine tracks the most recent non-empty line of a stream. Used to
// capture the tail of stderr for failure reporting.
type lastLine struct {
	line string
}

func (l *lastLine) Consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	for scanner.Scan() {
		if text := strings.TrimSpace(scanner.Text()); text != "" {
			l.line = text
		}
	}
}

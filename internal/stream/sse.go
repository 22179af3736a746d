package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// Result is the outcome of reading a completion stream.
type Result struct {
	// Visible is the user-facing text with fences and sentinels removed.
	Visible   string
	Statement string
	Tagged    bool
}

type deltaChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Read consumes an OpenAI-style SSE body line by line, feeding delta content
// through a Splitter for tag. onVisible, if set, receives the raw visible
// text after every content delta. Lines that are not "data:" records, the
// [DONE] marker and undecodable payloads are skipped. A nil body yields an
// empty Result.
func Read(body io.Reader, tag string, onVisible func(string)) (Result, error) {
	if body == nil {
		return Result{}, nil
	}

	sp := NewSplitter(tag)
	reader := bufio.NewReader(body)
	var readErr error
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if content, ok := parseDataLine(line); ok {
				visible := sp.Push(content)
				if onVisible != nil {
					onVisible(visible)
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}

	split := sp.Close()
	visible, statement := Resolve(split)
	return Result{Visible: visible, Statement: statement, Tagged: split.Found}, readErr
}

func parseDataLine(line []byte) (string, bool) {
	line = bytes.TrimRight(line, "\r\n")
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return "", false
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
		return "", false
	}

	var chunk deltaChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == nil || *chunk.Choices[0].Delta.Content == "" {
		return "", false
	}
	return *chunk.Choices[0].Delta.Content, true
}

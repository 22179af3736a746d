package stream

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/kalambet/crmgate/internal/sqlguard"
)

const tag = "[AUTO_EXECUTE]"

func splitAll(fragments []string) (Split, []string) {
	sp := NewSplitter(tag)
	var emitted []string
	for _, f := range fragments {
		emitted = append(emitted, sp.Push(f))
	}
	return sp.Close(), emitted
}

func TestSplitter_ChunkInvariance(t *testing.T) {
	input := "Aqui estão seus dados.\n[AUTO_EXECUTE]\n```sql\nSELECT id FROM leads LIMIT 5\n```"
	want, _ := splitAll([]string{input})

	if want.Visible != "Aqui estão seus dados.\n" {
		t.Fatalf("single-chunk visible = %q", want.Visible)
	}

	// Every split into two pieces, and every fixed chunk width.
	for i := 0; i <= len(input); i++ {
		got, _ := splitAll([]string{input[:i], input[i:]})
		if got != want {
			t.Fatalf("split at %d: got %+v, want %+v", i, got, want)
		}
	}
	for width := 1; width <= len(tag)+2; width++ {
		var parts []string
		for i := 0; i < len(input); i += width {
			end := min(i+width, len(input))
			parts = append(parts, input[i:end])
		}
		got, _ := splitAll(parts)
		if got != want {
			t.Fatalf("width %d: got %+v, want %+v", width, got, want)
		}
	}
}

func TestSplitter_TagAtEveryOffset(t *testing.T) {
	body := "abcdefghijklmnopqrstuvwxyz"
	for off := 0; off <= len(body); off++ {
		input := body[:off] + tag + body[off:]
		for cut := 0; cut <= len(input); cut++ {
			got, _ := splitAll([]string{input[:cut], input[cut:]})
			if got.Visible != body[:off] || got.Statement != body[off:] || !got.Found {
				t.Fatalf("offset %d cut %d: %+v", off, cut, got)
			}
		}
	}
}

func TestSplitter_NoTagPassthrough(t *testing.T) {
	input := "Voce tem 3 tarefas pendentes. Quer ver os detalhes? [AUTO quase"
	parts := []string{"Voce tem 3 ", "tarefas pendentes. Quer ver", " os detalhes? [AUTO", " quase"}
	got, _ := splitAll(parts)
	if got.Visible != input {
		t.Errorf("visible = %q, want full input", got.Visible)
	}
	if got.Statement != "" || got.Found {
		t.Errorf("unexpected statement: %+v", got)
	}
}

func TestSplitter_VisibleIsMonotonic(t *testing.T) {
	input := "Olá, já buscando.[AUTO_EXECUTE]SELECT 1"
	var parts []string
	for i := 0; i < len(input); i += 3 {
		parts = append(parts, input[i:min(i+3, len(input))])
	}
	_, emitted := splitAll(parts)

	prev := ""
	for i, v := range emitted {
		if !strings.HasPrefix(v, prev) {
			t.Fatalf("emission %d %q does not extend %q", i, v, prev)
		}
		if strings.Contains(v, "[") {
			t.Fatalf("emission %d leaked part of the tag: %q", i, v)
		}
		prev = v
	}
}

func TestResolve_FencedFallback(t *testing.T) {
	sp := Split{Visible: "Claro.\n\n\n\n```sql\nSELECT * FROM tasks\n```\nPronto."}
	visible, stmt := Resolve(sp)
	if stmt != "SELECT * FROM tasks" {
		t.Errorf("statement = %q", stmt)
	}
	if visible != "Claro.\n\nPronto." {
		t.Errorf("visible = %q", visible)
	}
}

func TestExtractStatement(t *testing.T) {
	cases := map[string]string{
		"":                               "",
		"\n```sql\nSELECT 1\n```\n":      "SELECT 1",
		"```\nSELECT 2\n```":             "SELECT 2",
		"  SELECT 3  ":                   "SELECT 3",
		"[AUTO_EXECUTE] SELECT 4":        "SELECT 4",
		"```SQL\nSELECT 5\n``` trailing": "SELECT 5",
	}
	for in, want := range cases {
		if got := ExtractStatement(in); got != want {
			t.Errorf("ExtractStatement(%q) = %q, want %q", in, got, want)
		}
	}
}

func sseBody(t *testing.T, deltas ...string) string {
	t.Helper()
	var b strings.Builder
	for _, d := range deltas {
		payload, err := json.Marshal(map[string]any{
			"choices": []map[string]any{{"delta": map[string]string{"content": d}}},
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		b.WriteString("data: ")
		b.Write(payload)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func TestRead_EndToEnd(t *testing.T) {
	body := sseBody(t, "Aqui estão ", "seus dados.\n[AUTO_", "EXECUTE]\n```sql\nSELECT id ", "FROM leads LIMIT 5\n```")
	body = ": keep-alive\n" + "data: {not json}\n" + body

	var updates int
	res, err := Read(strings.NewReader(body), tag, func(string) { updates++ })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Visible != "Aqui estão seus dados." {
		t.Errorf("visible = %q", res.Visible)
	}
	if res.Statement != "SELECT id FROM leads LIMIT 5" || !res.Tagged {
		t.Errorf("statement = %q tagged=%v", res.Statement, res.Tagged)
	}
	if updates != 4 {
		t.Errorf("expected 4 visible updates, got %d", updates)
	}

	st, err := sqlguard.Classify(res.Statement)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if st.Kind != sqlguard.KindRead {
		t.Errorf("kind = %q, want read", st.Kind)
	}
}

func TestRead_NilBody(t *testing.T) {
	res, err := Read(nil, tag, nil)
	if err != nil || res != (Result{}) {
		t.Errorf("Read(nil) = %+v, %v", res, err)
	}
}

func TestRead_NoTrailingNewlineAndCRLF(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"oi\"}}]}\r\n" +
		"data: {\"choices\":[{\"delta\":{}}]}\r\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" tudo bem\"}}]}"
	res, err := Read(strings.NewReader(body), tag, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Visible != "oi tudo bem" || res.Statement != "" {
		t.Errorf("got %+v", res)
	}
}

type failingReader struct{ sent bool }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.sent {
		return 0, errors.New("connection reset")
	}
	f.sent = true
	return copy(p, "data: {\"choices\":[{\"delta\":{\"content\":\"parcial\"}}]}\n"), nil
}

func TestRead_TransportErrorKeepsPartial(t *testing.T) {
	res, err := Read(&failingReader{}, tag, nil)
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if res.Visible != "parcial" {
		t.Errorf("visible = %q, want partial text", res.Visible)
	}
}

package composer

import (
	"strings"

	"github.com/kalambet/crmgate/internal/completion"
)

const (
	defaultMaxHistoryTokens = 6000
	defaultHistoryLimit     = 10
)

var chatRules = []string{
	"Voce e um assistente especializado em dados de negocios.",
	"Responda de forma natural e objetiva.",
	"Nao mencione SQL, tabelas, colunas, schemas ou termos tecnicos.",
	"Saudacoes e conversas gerais devem ser respondidas normalmente, sem consultas.",
	"Somente use consultas quando o usuario pedir dados ou uma acao.",
	"Permissoes: consultas gerais e criacao/atualizacao apenas para leads, deals, tasks e notes.",
	"Nunca gere comandos destrutivos.",
	"Quando o usuario pedir dados, gere a consulta para buscar os resultados.",
	"Use SEMPRE a tag [AUTO_EXECUTE] antes da consulta.",
	"Gere apenas UMA instrucao SQL por resposta.",
	"A consulta deve estar sempre dentro de um unico bloco ```sql ... ```.",
	"A resposta deve terminar imediatamente apos o bloco SQL.",
	"Nao use ponto e virgula.",
	"Para criacoes ou atualizacoes, use RETURNING *.",
	"Nunca exponha a consulta para o usuario.",
}

var assistantExamples = []string{
	"- Usuario: 'Quantas tasks em aberto?' -> crm_query em tasks com filtro status Pending e aggregate count.",
	"- Usuario: 'Empresa Acme tem quantas tasks?' -> crm_query em companies para pegar id, depois crm_query em tasks com company_id.",
	"- Usuario: 'Crie uma task para amanha' -> crm_insert em tasks com title e due_date.",
	"- Usuario: 'Crie uma nota sobre negociacao X' -> crm_insert em notes.",
}

// Composer builds system prompts and fits conversation history into a
// token budget before it is sent for completion.
type Composer struct {
	MaxHistoryTokens int
	HistoryLimit     int
}

// New creates a Composer. Non-positive arguments select the defaults.
func New(maxHistoryTokens, historyLimit int) *Composer {
	if maxHistoryTokens <= 0 {
		maxHistoryTokens = defaultMaxHistoryTokens
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Composer{MaxHistoryTokens: maxHistoryTokens, HistoryLimit: historyLimit}
}

// ChatPrompt is the system instruction for the statement-emitting chat.
// schema is the formatted catalogue and may be empty; extra is the tenant's
// additional instruction.
func ChatPrompt(schema, extra string) string {
	lines := append([]string(nil), chatRules...)
	if schema != "" {
		lines = append(lines, "\n\nEstrutura disponivel:\n"+schema)
	} else {
		lines = append(lines, "")
	}
	prompt := strings.Join(lines, "\n")
	if extra = strings.TrimSpace(extra); extra != "" {
		prompt += "\n\nInstrucoes adicionais:\n" + extra
	}
	return prompt
}

// AssistantPrompt is the system instruction for the tool-calling assistant.
func AssistantPrompt(tables string, deep bool) string {
	depth := "Responda de forma direta e objetiva."
	if deep {
		depth = "Responda com mais profundidade, detalhando raciocinio e recomendacoes."
	}
	lines := []string{
		"Voce e um agente de dados CRM conectado ao banco via Supabase.",
		"Use exclusivamente as tools crm_query e crm_insert para ler e escrever.",
		"RLS e obrigatorio. A organization_id sempre deve ser respeitada.",
		"Caso precise de mais contexto para criar uma tarefa, pergunte ao usuario sua necessidade.",
		depth,
		"",
		"Metadados das tabelas permitidas:",
		tables,
		"",
		"Exemplos:",
	}
	lines = append(lines, assistantExamples...)
	return strings.Join(lines, "\n")
}

// Compose prepends the system message to history. Only user and assistant
// turns with content are kept; the oldest are dropped first until both
// HistoryLimit and MaxHistoryTokens hold. The newest turn is always kept.
func (c *Composer) Compose(system string, history []completion.Message) []completion.Message {
	var turns []completion.Message
	for _, m := range history {
		if (m.Role == "user" || m.Role == "assistant") && strings.TrimSpace(m.Content) != "" {
			turns = append(turns, completion.Message{Role: m.Role, Content: m.Content})
		}
	}

	if len(turns) > c.HistoryLimit {
		turns = turns[len(turns)-c.HistoryLimit:]
	}

	remaining := c.MaxHistoryTokens
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		tokens := EstimateTokens(turns[i].Content)
		if tokens > remaining && i < len(turns)-1 {
			break
		}
		remaining -= tokens
		start = i
	}
	turns = turns[start:]

	out := make([]completion.Message, 0, len(turns)+1)
	if system != "" {
		out = append(out, completion.Message{Role: "system", Content: system})
	}
	return append(out, turns...)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

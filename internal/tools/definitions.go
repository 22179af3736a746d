package tools

import (
	"encoding/json"

	"github.com/kalambet/crmgate/internal/completion"
)

// Definitions returns the tool schema sent with every completion request.
func Definitions() []completion.Tool {
	return []completion.Tool{
		{
			Type: "function",
			Function: completion.FunctionDef{
				Name:        QueryTool,
				Description: "Consulta generica em tabelas CRM usando parametros estruturados.",
				Parameters:  mustSchema(querySchema()),
			},
		},
		{
			Type: "function",
			Function: completion.FunctionDef{
				Name:        InsertTool,
				Description: "Insere dados no CRM. Somente permitido para tasks e notes.",
				Parameters:  mustSchema(insertSchema()),
			},
		},
	}
}

type obj = map[string]any

func querySchema() obj {
	return obj{
		"type": "object",
		"properties": obj{
			"table":  obj{"type": "string", "enum": QueryTables},
			"select": obj{"type": "array", "items": obj{"type": "string"}},
			"filters": obj{
				"type": "array",
				"items": obj{
					"type": "object",
					"properties": obj{
						"column": obj{"type": "string"},
						"op":     obj{"type": "string", "enum": []string{"eq", "ilike", "gte", "lte", "in"}},
						"value":  obj{},
					},
					"required": []string{"column", "op", "value"},
				},
			},
			"order_by": obj{
				"type": "array",
				"items": obj{
					"type": "object",
					"properties": obj{
						"column":    obj{"type": "string"},
						"ascending": obj{"type": "boolean"},
					},
					"required": []string{"column"},
				},
			},
			"limit":  obj{"type": "number"},
			"offset": obj{"type": "number"},
			"aggregate": obj{
				"type": "object",
				"properties": obj{
					"type":   obj{"type": "string", "enum": []string{"count"}},
					"column": obj{"type": "string"},
				},
				"required": []string{"type"},
			},
		},
		"required": []string{"table"},
	}
}

func insertSchema() obj {
	return obj{
		"type": "object",
		"properties": obj{
			"table":  obj{"type": "string", "enum": InsertTables},
			"values": obj{"type": "object"},
		},
		"required": []string{"table", "values"},
	}
}

func mustSchema(v obj) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

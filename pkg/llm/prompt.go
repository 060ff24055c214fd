package llm

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
)

const systemPrompt = `You are a data analyst. Answer the user's question about their data.
Reply with a single JSON object and nothing else:
{"narrative": string, "query": string, "chart": object or null, "insights": [string]}

"query" is run against the active data source:
- file sources: SQLite SQL. Each file is a table named by its alias; a single file is also "data".
- database and warehouse sources: SQL in the source's dialect.
- api sources: a YAML or JSON request with path, params, filters, group_by, aggregates, order_by, limit.
- semantic sources: the semantic layer's query language.
Leave "query" empty when no data is needed. Never modify data.`

// buildPrompt renders the user turn: data source, tables, recent history, question.
func buildPrompt(question string, gc GenerationContext) string {
	var b strings.Builder

	if ds := gc.DataSource; ds != nil {
		fmt.Fprintf(&b, "Active data source: %s (kind: %s", ds.Name, ds.Kind)
		if ds.Kind == models.KindDatabase || ds.Kind == models.KindWarehouse {
			fmt.Fprintf(&b, ", dialect: %s", ds.Driver())
		}
		b.WriteString(")\n")
		if ds.Schema != nil {
			writeSchema(&b, ds.Schema.Tables)
		}
	} else {
		b.WriteString("No data source is selected.\n")
	}

	if len(gc.Tables) > 0 {
		b.WriteString("File tables:\n")
		for _, vt := range gc.Tables {
			fmt.Fprintf(&b, "- %s\n", vt.AliasName)
		}
	}

	if len(gc.History) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, m := range gc.History {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, oneLine(m.Content))
			if m.Artifacts.SQLText != "" {
				fmt.Fprintf(&b, "  (query: %s)\n", oneLine(m.Artifacts.SQLText))
			}
		}
	}

	fmt.Fprintf(&b, "\nQuestion: %s\n", question)
	return b.String()
}

func writeSchema(b *strings.Builder, tables []models.SchemaTable) {
	for _, t := range tables {
		name := t.Name
		if t.Schema != "" {
			name = t.Schema + "." + t.Name
		}
		cols := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = c.Name + " " + c.DataType
		}
		fmt.Fprintf(b, "- %s(%s)\n", name, strings.Join(cols, ", "))
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package bindings

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// MethodName derives the call-friendly method name of a tool: the tool
// prefix and then the group prefix are stripped, and the snake_case
// remainder becomes lowerCamelCase.
//
//	MethodName("sqlite_read_query", "core", "sqlite_")        == "readQuery"
//	MethodName("sqlite_transaction_begin", "transaction", "sqlite_") == "begin"
func MethodName(toolName, group, prefix string) string {
	rest := strings.TrimPrefix(toolName, prefix)
	if trimmed := strings.TrimPrefix(rest, group+"_"); trimmed != rest && trimmed != "" {
		rest = trimmed
	}
	return lowerCamel(rest)
}

func lowerCamel(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' '
	})
	if len(parts) == 0 {
		return ""
	}

	// Casers are stateful and not safe for concurrent use.
	caser := cases.Title(language.Und)

	var b strings.Builder
	b.WriteString(strings.ToLower(parts[0]))
	for _, p := range parts[1:] {
		b.WriteString(caser.String(p))
	}
	return b.String()
}

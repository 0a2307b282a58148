package enrich

import (
	"encoding/json"
	"regexp"
	"strings"
)

// UnresolvedSentinel replaces placeholders that cannot be resolved, so that
// raw template syntax is never sent to the inference provider.
const UnresolvedSentinel = "[unknown]"

// fieldAliases maps each canonical placeholder to the structured field names
// accepted for it, in lookup order.
var fieldAliases = map[string][]string{
	"company":        {"company", "company_name"},
	"website":        {"website", "domain"},
	"industry":       {"industry"},
	"location":       {"location", "headquarters"},
	"employee_count": {"employee_count", "employees"},
	"description":    {"description", "company_description"},
}

var placeholderRe = regexp.MustCompile(`\{[^}]+\}`)

// ResolveField returns the first non-empty value among the accepted aliases
// for the canonical field name. Unknown canonicals fall back to a direct
// field lookup.
func ResolveField(fields map[string]string, canonical string) string {
	aliases, ok := fieldAliases[canonical]
	if !ok {
		aliases = []string{canonical}
	}
	for _, alias := range aliases {
		if v := fields[alias]; v != "" {
			return v
		}
	}
	return ""
}

// Substitute expands every {placeholder} in the template against the row.
// Canonical fields resolve through the alias table, {all_data} expands to the
// full row payload as JSON (structured fields and computed cell values), and
// every known column is addressable by its key or display name. Anything
// left over becomes the sentinel.
func Substitute(template string, row *Row, columns []ColumnConfig) string {
	out := template

	for canonical := range fieldAliases {
		out = replacePlaceholder(out, canonical, ResolveField(row.Fields, canonical))
	}

	allData, err := json.MarshalIndent(row.snapshot(), "", "  ")
	if err == nil {
		out = replacePlaceholder(out, "all_data", string(allData))
	}

	for _, column := range columns {
		value := row.CellValue(column.ID)
		if key := columnKey(column); key != "" {
			out = replacePlaceholder(out, key, value)
		}
		if column.Name != "" {
			out = replacePlaceholder(out, column.Name, value)
		}
	}

	return placeholderRe.ReplaceAllString(out, UnresolvedSentinel)
}

// Placeholders lists the variable names referenced by the template.
func Placeholders(template string) []string {
	matches := placeholderRe.FindAllString(template, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.Trim(m, "{}"))
	}
	return names
}

func columnKey(column ColumnConfig) string {
	if column.Key != "" {
		return column.Key
	}
	return strings.ReplaceAll(strings.ToLower(column.Name), " ", "_")
}

// replacePlaceholder substitutes {name} case-insensitively. The name is
// quoted because column display names may contain regexp metacharacters.
func replacePlaceholder(s, name, value string) string {
	re, err := regexp.Compile(`(?i)\{` + regexp.QuoteMeta(name) + `\}`)
	if err != nil {
		return s
	}
	return re.ReplaceAllLiteralString(s, value)
}

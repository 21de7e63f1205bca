// Package refs finds ref('<table>') tags inside a parser's contract_address
// field. A tag means the parser reads the output of another table in the same
// dataset, so that table's parse task has to run first.
package refs

import (
	"regexp"
	"strings"
)

var refRegex = regexp.MustCompile(`ref\('([^']+)'\)`)

// Extract returns the table names referenced by contractAddress, without
// duplicates and in order of first appearance. Only direct references are
// returned; chains of references are resolved by the graph, not here.
func Extract(contractAddress string) []string {
	matches := refRegex.FindAllStringSubmatch(contractAddress, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// Replace rewrites every ref('<table>') tag with resolve(table).
func Replace(contractAddress string, resolve func(table string) string) string {
	return refRegex.ReplaceAllStringFunc(contractAddress, func(tag string) string {
		return resolve(refRegex.FindStringSubmatch(tag)[1])
	})
}

// IsQuery reports whether contractAddress is a sub-query selecting addresses
// rather than a literal address list.
func IsQuery(contractAddress string) bool {
	return strings.Contains(strings.ToLower(contractAddress), "select")
}

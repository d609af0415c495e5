package decompose

import (
	"encoding/json"
	"regexp"
	"strings"
)

// listItem matches markdown list markers: "1. ", "2) ", "- ", "* ".
var listItem = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*])\s+(.+)$`)

// ParsePlan extracts subtask prompts from a plan task's output. The planner
// is asked for a JSON array, so that is tried first (fenced or bare); a
// markdown list is accepted as fallback since models drift. Returns nil when
// nothing resembling a plan is found.
func ParsePlan(output string) []string {
	if items := parseJSONArray(output); len(items) > 0 {
		return items
	}
	return parseMarkdownList(output)
}

// parseJSONArray finds the first JSON array in output and decodes it. Both
// []string and [{"prompt": ...}] shapes are accepted.
func parseJSONArray(output string) []string {
	start := strings.Index(output, "[")
	end := strings.LastIndex(output, "]")
	if start < 0 || end <= start {
		return nil
	}
	raw := output[start : end+1]

	var asStrings []string
	if err := json.Unmarshal([]byte(raw), &asStrings); err == nil {
		return cleanItems(asStrings)
	}

	var asObjects []map[string]any
	if err := json.Unmarshal([]byte(raw), &asObjects); err != nil {
		return nil
	}
	var items []string
	for _, obj := range asObjects {
		for _, key := range []string{"prompt", "description", "task", "title"} {
			if v, ok := obj[key].(string); ok && strings.TrimSpace(v) != "" {
				items = append(items, v)
				break
			}
		}
	}
	return cleanItems(items)
}

func parseMarkdownList(output string) []string {
	var items []string
	for _, line := range strings.Split(output, "\n") {
		if m := listItem.FindStringSubmatch(line); m != nil {
			items = append(items, m[1])
		}
	}
	return cleanItems(items)
}

func cleanItems(items []string) []string {
	var out []string
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

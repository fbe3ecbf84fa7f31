package server

import (
	"encoding/json"
	"sort"
	"strings"
)

// ExtractText pulls the reply text out of a prompt response. Agent servers
// answer in a handful of shapes:
//
//	{"parts":[{"type":"text","text":"..."}]}
//	{"info":{...},"parts":[...]}
//	{"message":{"parts":[...]}}
//	{"data":<any of these>}
//	{"text":"..."} / {"result":"..."} / {"content":"..."}
//
// ok is false when none matches; keys then lists the top-level fields seen.
func ExtractText(body []byte) (text string, ok bool, keys []string) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", false, nil
	}
	text, ok = probe(raw, 0)
	if !ok {
		keys = topKeys(raw)
	}
	return text, ok, keys
}

const maxProbeDepth = 4

func probe(v any, depth int) (string, bool) {
	if depth > maxProbeDepth {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case []any:
		return joinParts(t)
	case map[string]any:
		if parts, ok := t["parts"].([]any); ok {
			if s, ok := joinParts(parts); ok {
				return s, true
			}
		}
		for _, k := range []string{"text", "result", "content"} {
			switch inner := t[k].(type) {
			case string:
				return inner, true
			case []any:
				if s, ok := joinParts(inner); ok {
					return s, true
				}
			}
		}
		for _, k := range []string{"message", "data", "response"} {
			if inner, ok := t[k]; ok {
				if s, ok := probe(inner, depth+1); ok {
					return s, true
				}
			}
		}
	}
	return "", false
}

// joinParts concatenates the text parts of a message. Non-text parts such
// as tool calls are skipped.
func joinParts(parts []any) (string, bool) {
	var b strings.Builder
	found := false
	for _, p := range parts {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if typ, _ := m["type"].(string); typ != "" && typ != "text" {
			continue
		}
		s, ok := m["text"].(string)
		if !ok {
			continue
		}
		if b.Len() > 0 && s != "" {
			b.WriteString("\n")
		}
		b.WriteString(s)
		found = true
	}
	return b.String(), found
}

func topKeys(v any) []string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

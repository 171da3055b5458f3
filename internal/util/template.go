// Package util holds small helpers shared by the engine packages.
package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// templateFuncs are available to TALK messages, BOT tasks and LLM prompts.
var templateFuncs = template.FuncMap{
	"default": func(fallback, val any) any {
		if val == nil || val == "" {
			return fallback
		}
		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"title": func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	},
	"join": func(sep string, items []any) string {
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, sep)
	},
	// money renders a HEAR AS MONEY value or any number with two decimals.
	"money": func(v any) string {
		switch n := v.(type) {
		case float64:
			return fmt.Sprintf("%.2f", n)
		case int:
			return fmt.Sprintf("%d.00", n)
		case int64:
			return fmt.Sprintf("%d.00", n)
		}
		return fmt.Sprint(v)
	},
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

// RenderTemplate expands Go template markers in text against the execution
// variables. Text without "{{" is returned unchanged; missing variables
// render as their zero value.
func RenderTemplate(text string, vars map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New("text").Option("missingkey=zero").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

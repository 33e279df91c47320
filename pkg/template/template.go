package template

import (
	"bytes"
	"fmt"
	"text/template"
)

// Parse renders a prompt template with the given fields. The chains render
// their own inputs; this produces the audit copy recorded alongside the
// model's answer.
func Parse(text string, fields any) (string, error) {
	tmpl, err := template.New("").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse: %w", err)
	}
	var result bytes.Buffer
	if err := tmpl.Execute(&result, fields); err != nil {
		return "", fmt.Errorf("execute: %w", err)
	}

	return result.String(), nil
}

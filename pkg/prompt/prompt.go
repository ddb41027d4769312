// Package prompt builds prompt text: template filling and the JSON-output
// envelope that asks a model to answer as {"output": ...}.
package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// CommentBlockMarker separates a template's header notes from the prompt body.
const CommentBlockMarker = "<commentblockmarker>###</commentblockmarker>"

// Fill substitutes !<INPUT n>! placeholders with inputs[n]. If the template
// carries a CommentBlockMarker, only the text after it is kept. The result is
// trimmed.
func Fill(template string, inputs ...string) string {
	out := template
	for i, in := range inputs {
		out = strings.ReplaceAll(out, fmt.Sprintf("!<INPUT %d>!", i), in)
	}
	if parts := strings.SplitN(out, CommentBlockMarker, 3); len(parts) > 1 {
		out = parts[1]
	}
	return strings.TrimSpace(out)
}

// Load reads a template file and fills it.
func Load(path string, inputs ...string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("prompt: read template: %w", err)
	}
	return Fill(string(b), inputs...), nil
}

// WrapJSONOutput quotes text and appends an instruction to answer as a JSON
// object with a single "output" field, plus an example of that object.
func WrapJSONOutput(text string, exampleOutput any, instruction string) string {
	var sb strings.Builder
	sb.WriteString("\"\"\"\n")
	sb.WriteString(text)
	sb.WriteString("\n\"\"\"\n")
	sb.WriteString("Output the response to the prompt above in json.")
	if instruction = strings.TrimSpace(instruction); instruction != "" {
		sb.WriteString(" ")
		sb.WriteString(instruction)
	}
	sb.WriteString("\nExample output json:\n")
	sb.WriteString(exampleJSON(exampleOutput))
	return sb.String()
}

func exampleJSON(example any) string {
	b, err := json.Marshal(map[string]any{"output": example})
	if err != nil {
		return fmt.Sprintf(`{"output": "%v"}`, example)
	}
	return string(b)
}

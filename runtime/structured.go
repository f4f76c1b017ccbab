package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validateStructured checks a candidate final output against the agent's
// output schema. The text must be a standalone JSON document.
func validateStructured(schema map[string]any, text string) error {
	var instance any
	if err := json.Unmarshal([]byte(text), &instance); err != nil {
		return fmt.Errorf("output is not valid JSON: %w", err)
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return err
	}
	if err := compiled.Validate(instance); err != nil {
		return fmt.Errorf("output does not match the schema: %w", err)
	}
	return nil
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so the compiler sees a plain document.
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal output schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal output schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("output.json", doc); err != nil {
		return nil, fmt.Errorf("add output schema resource: %w", err)
	}
	compiled, err := c.Compile("output.json")
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}
	return compiled, nil
}

// correctionPrompt is the synthetic user message injected when structured
// output validation fails and a retry is available.
func correctionPrompt(err error) string {
	return "Your previous response was not valid structured output: " + err.Error() +
		". Respond again with only a JSON document that conforms to the required schema."
}

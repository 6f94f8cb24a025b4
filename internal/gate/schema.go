package gate

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema renders the JSON Schema for gate configuration files. Editor
// tooling and `gates schema` consume it; the jsonschema struct tags on
// the config types drive the enums.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{}
	s := r.Reflect(&gateFile{})
	s.Title = "gatehouse gate configuration"
	s.Description = "Declarative gate definitions merged over the built-in set by name."
	return json.MarshalIndent(s, "", "  ")
}

// Package fixture loads the JSON documents shared by tests. It imports
// nothing from the module so any package may use it.
package fixture

import (
	"embed"
	"encoding/json"
	"fmt"
)

//go:embed *.json
var files embed.FS

// LoadJSON decodes the named fixture into a generic object, the shape token
// claims and JSON bodies have once they reach the parameter extractors.
func LoadJSON(name string) (map[string]any, error) {
	data, err := files.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", name, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("fixture %s: %w", name, err)
	}
	return doc, nil
}

package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce   sync.Once
	cachedSchema []byte
	cachedErr    error
)

// JSONSchema returns the JSON Schema describing a valid metagen-core
// configuration file, reflected once from the Config struct and
// cached for the life of the process. `metagenctl config schema`
// prints it directly; editors and validators can point at it without
// this package needing to hand-maintain a second schema document that
// would drift from Config's actual fields.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		cachedSchema, cachedErr = reflectConfigSchema()
	})
	return cachedSchema, cachedErr
}

func reflectConfigSchema() ([]byte, error) {
	reflector := &jsonschema.Reflector{
		// Config and its nested structs are tagged with `yaml`, not
		// `json`, so the reflector must follow that tag to produce
		// field names that actually match what Load accepts.
		FieldNameTag: "yaml",
	}
	schema := reflector.Reflect(&Config{})
	return json.MarshalIndent(schema, "", "  ")
}

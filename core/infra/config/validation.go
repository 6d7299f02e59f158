package config

import (
	"fmt"

	configschema "github.com/cordum/ckptpub/core/infra/schema"
)

func validateConfigSchema(data []byte) error {
	schemaBytes, err := configSchemaFS.ReadFile(configSchemaFile)
	if err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}
	validator, err := configschema.Compile("ckptpub-config", schemaBytes)
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if err := validator.ValidateYAML(data); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

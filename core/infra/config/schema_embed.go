package config

import "embed"

const configSchemaFile = "schema/ckptpub.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS

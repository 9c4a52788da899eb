// Package api embeds the service's OpenAPI document, served at /openapi.yaml.
package api

import _ "embed"

// OpenAPISpec is the OpenAPI 3.0 description of the HTTP API.
//
//go:embed openapi.yaml
var OpenAPISpec []byte

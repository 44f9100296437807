package http

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Issue is one problem with a request body
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

const createSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["amountRequested", "targetAction"],
  "properties": {
    "amountRequested": {
      "type": ["string", "number"],
      "pattern": "^[0-9]+(\\.[0-9]+)?$",
      "exclusiveMinimum": 0
    },
    "merchantId": {"type": "string", "maxLength": 128},
    "metadata": {"type": "object"},
    "expiresInSeconds": {"type": "integer", "minimum": 1},
    "targetAction": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"enum": ["record_only", "transfer_native", "transfer_token", "program_invoke"]}
      },
      "allOf": [
        {
          "if": {"required": ["type"], "properties": {"type": {"const": "transfer_native"}}},
          "then": {
            "required": ["destination", "amount"],
            "properties": {
              "destination": {"type": "string", "minLength": 1},
              "amount": {"type": "integer", "minimum": 1}
            }
          }
        },
        {
          "if": {"required": ["type"], "properties": {"type": {"const": "transfer_token"}}},
          "then": {
            "required": ["destination", "tokenId", "amount", "decimals"],
            "properties": {
              "destination": {"type": "string", "minLength": 1},
              "tokenId": {"type": "string", "minLength": 1},
              "amount": {"type": "string", "pattern": "^[0-9]+$"},
              "decimals": {"type": "integer", "minimum": 0, "maximum": 255}
            }
          }
        },
        {
          "if": {"required": ["type"], "properties": {"type": {"const": "program_invoke"}}},
          "then": {
            "required": ["programId", "accounts", "data"],
            "properties": {
              "programId": {"type": "string", "minLength": 1},
              "data": {"type": "string"},
              "accounts": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["pubkey", "isSigner", "isWritable"],
                  "properties": {
                    "pubkey": {"type": "string", "minLength": 1},
                    "isSigner": {"type": "boolean"},
                    "isWritable": {"type": "boolean"}
                  }
                }
              }
            }
          }
        }
      ]
    }
  }
}`

var createSchema = mustSchema(createSchemaJSON)

func mustSchema(source string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		panic(fmt.Sprintf("invalid create request schema: %v", err))
	}
	return schema
}

// validateCreateBody checks body against the create request schema. A body
// that is not JSON yields a single root issue.
func validateCreateBody(body []byte) []Issue {
	result, err := createSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return []Issue{{Path: "(root)", Message: "body must be a JSON object"}}
	}
	if result.Valid() {
		return nil
	}

	issues := make([]Issue, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		// if/then failures repeat the inner errors
		if desc.Type() == "condition_then" || desc.Type() == "number_all_of" {
			continue
		}
		issues = append(issues, Issue{Path: desc.Field(), Message: desc.Description()})
	}
	if len(issues) == 0 {
		issues = append(issues, Issue{Path: "(root)", Message: "request does not match the schema"})
	}
	return issues
}

package manifest

// schemaJSON describes a completion manifest as written by the phone. Only
// the fields needed to route the manifest are required; everything else is
// covered by the signature.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["request_id", "filename", "signature"],
  "properties": {
    "version":      {"type": "string"},
    "request_id":   {"type": "string", "minLength": 1},
    "filename":     {"type": "string", "minLength": 1},
    "sha256":       {"type": "string"},
    "bytes":        {"type": "integer", "minimum": 0},
    "completed_at": {"type": "string"},
    "nonce":        {"type": "string"},
    "signature":    {"type": "string", "minLength": 1}
  }
}`

const schemaURL = "https://puffer.schemas.local/broker/completion-manifest.schema.json"

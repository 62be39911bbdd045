package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const inboundSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["subscribe", "unsubscribe", "publish", "track", "untrack", "heartbeat", "listen", "unlisten", "rpc"]},
    "id": {"type": "string", "maxLength": 64},
    "payload": {}
  },
  "additionalProperties": false,
  "allOf": [
    {
      "if": {"properties": {"type": {"enum": ["subscribe", "unsubscribe", "untrack"]}}},
      "then": {"required": ["payload"], "properties": {"payload": {"$ref": "#/$defs/channel"}}}
    },
    {
      "if": {"properties": {"type": {"const": "publish"}}},
      "then": {"required": ["payload"], "properties": {"payload": {
        "allOf": [{"$ref": "#/$defs/channel"}],
        "required": ["event"],
        "properties": {"event": {"type": "string", "minLength": 1, "maxLength": 64}}
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "track"}}},
      "then": {"required": ["payload"], "properties": {"payload": {
        "allOf": [{"$ref": "#/$defs/channel"}],
        "required": ["key"],
        "properties": {"key": {"type": "string", "minLength": 1, "maxLength": 64}, "meta": {"type": "object"}}
      }}}
    },
    {
      "if": {"properties": {"type": {"enum": ["listen", "unlisten"]}}},
      "then": {"required": ["payload"], "properties": {"payload": {
        "type": "object",
        "required": ["table"],
        "properties": {
          "table": {"type": "string", "minLength": 1},
          "filter": {
            "type": "object",
            "required": ["column", "value"],
            "properties": {"column": {"type": "string", "pattern": "^[a-z_0-9]+$"}, "value": {"type": "string"}}
          }
        }
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "rpc"}}},
      "then": {"required": ["id", "payload"], "properties": {"payload": {
        "type": "object",
        "required": ["method"],
        "properties": {"method": {"type": "string", "minLength": 1}}
      }}}
    }
  ],
  "$defs": {
    "channel": {
      "type": "object",
      "required": ["channel"],
      "properties": {"channel": {"type": "string", "minLength": 1, "maxLength": 64}}
    }
  }
}`

var inboundSchema = jsonschema.MustCompileString("inbound.json", inboundSchemaJSON)

// DecodeInbound validates a client frame against the inbound schema and
// parses it.
func DecodeInbound(data []byte) (Envelope, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := inboundSchema.Validate(doc); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return Decode(data)
}

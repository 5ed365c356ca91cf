package capability

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://forwardpipe.invalid/schemas/"

// Each variant's configuration is a flat object of string values.
var schemaSources = map[Type]string{
	TypePeerChannel: `{
		"type": "object",
		"required": ["recipient"],
		"properties": {
			"recipient": {"type": "string", "pattern": "^\\+?[0-9][0-9 ()-]{4,}$"}
		},
		"additionalProperties": {"type": "string"}
	}`,
	TypeChatBot: `{
		"type": "object",
		"required": ["token", "chat_id"],
		"properties": {
			"token": {"type": "string", "minLength": 1},
			"chat_id": {"type": "string", "pattern": "^(-?[0-9]+|@[A-Za-z0-9_]{5,})$"},
			"api_base": {"type": "string", "pattern": "^https?://"}
		},
		"additionalProperties": {"type": "string"}
	}`,
	TypeOutboundRelay: `{
		"type": "object",
		"required": ["account_sid", "auth_token", "from", "to"],
		"properties": {
			"account_sid": {"type": "string", "pattern": "^AC[0-9a-fA-F]{32}$"},
			"auth_token": {"type": "string", "minLength": 1},
			"from": {"type": "string", "minLength": 1},
			"to": {"type": "string", "minLength": 1},
			"channel": {"enum": ["sms", "whatsapp", "SMS", "WHATSAPP"]}
		},
		"additionalProperties": {"type": "string"}
	}`,
	TypeMailRelay: `{
		"type": "object",
		"required": ["host", "port", "from", "to"],
		"properties": {
			"host": {"type": "string", "minLength": 1},
			"port": {"type": "string", "pattern": "^[0-9]{1,5}$"},
			"from": {"type": "string", "pattern": "@"},
			"to": {"type": "string", "pattern": "@"},
			"username": {"type": "string"},
			"password": {"type": "string"},
			"subject_prefix": {"type": "string"}
		},
		"additionalProperties": {"type": "string"}
	}`,
	TypeHTTPRelay: `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "pattern": "^https?://[^\\s]+$"},
			"secret": {"type": "string"},
			"method": {"enum": ["POST", "PUT", "post", "put"]}
		},
		"additionalProperties": {"type": "string"}
	}`,
}

var (
	schemasOnce sync.Once
	schemas     map[Type]*jsonschema.Schema
	schemasErr  error
)

func compiledSchemas() (map[Type]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.DefaultDraft(jsonschema.Draft2020)
		for t, src := range schemaSources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				schemasErr = fmt.Errorf("parse %s schema: %w", t, err)
				return
			}
			if err := c.AddResource(schemaBaseURL+string(t)+".json", doc); err != nil {
				schemasErr = fmt.Errorf("add %s schema: %w", t, err)
				return
			}
		}
		compiled := make(map[Type]*jsonschema.Schema, len(schemaSources))
		for t := range schemaSources {
			sch, err := c.Compile(schemaBaseURL + string(t) + ".json")
			if err != nil {
				schemasErr = fmt.Errorf("compile %s schema: %w", t, err)
				return
			}
			compiled[t] = sch
		}
		schemas = compiled
	})
	return schemas, schemasErr
}

func validateConfig(t Type, cfg map[string]string) error {
	all, err := compiledSchemas()
	if err != nil {
		return err
	}
	sch, ok := all[t]
	if !ok {
		return fmt.Errorf("no schema for %s", t)
	}
	inst := make(map[string]any, len(cfg))
	for k, v := range cfg {
		inst[k] = v
	}
	return sch.Validate(inst)
}

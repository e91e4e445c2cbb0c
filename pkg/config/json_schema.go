package config

import (
	_ "embed"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-yaml"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	//go:embed config.schema.json
	JSONSchema string

	goDurationSchema = jsonschema.MustCompileString("goDuration.json", `{
	"properties" : {
		"duration": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"minimum": {
					"type": "string"
				},
				"maximum": {
					"type": "string"
				}
			}
		}
	}
}`)

	humanBytesSchema = jsonschema.MustCompileString("humanBytes.json", `{
	"properties" : {
		"bytes": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"minimum": {
					"type": "string"
				},
				"maximum": {
					"type": "string"
				}
			}
		}
	}
}`)
)

type humanBytes struct {
	min uint64
	max uint64
}

func (d humanBytes) Validate(ctx jsonschema.ValidationContext, v interface{}) error {
	val, ok := v.(string)
	if !ok {
		return ctx.Error("bytes", "invalid bytes, given %v", v)
	}

	bytes, err := humanize.ParseBytes(val)
	if err != nil {
		return ctx.Error("bytes", "invalid bytes, given %s", val)
	}

	if d.min > 0 && bytes < d.min {
		return ctx.Error("bytes", "must be greater or equal than %s, given %s", humanize.Bytes(d.min), val)
	}

	if d.max > 0 && bytes > d.max {
		return ctx.Error("bytes", "must be less or equal than %s, given %s", humanize.Bytes(d.max), val)
	}

	return nil
}

type humanBytesCompiler struct{}

func (humanBytesCompiler) Compile(ctx jsonschema.CompilerContext, m map[string]interface{}) (jsonschema.ExtSchema, error) {
	val, ok := m["bytes"]
	if !ok {
		// nothing to compile, return nil
		return nil, nil
	}

	mapVal, ok := val.(map[string]interface{})
	if !ok {
		return humanBytes{}, nil
	}

	var limits humanBytes
	var err error

	if s, ok := mapVal["minimum"].(string); ok {
		if limits.min, err = humanize.ParseBytes(s); err != nil {
			return nil, err
		}
	}
	if s, ok := mapVal["maximum"].(string); ok {
		if limits.max, err = humanize.ParseBytes(s); err != nil {
			return nil, err
		}
	}

	return limits, nil
}

type duration struct {
	min time.Duration
	max time.Duration
}

func (d duration) Validate(ctx jsonschema.ValidationContext, v interface{}) error {
	val, ok := v.(string)
	if !ok {
		return ctx.Error("duration", "invalid duration, given %v", v)
	}

	parsed, err := time.ParseDuration(val)
	if err != nil {
		return ctx.Error("duration", "invalid duration, given %s", val)
	}

	if d.min > 0 && parsed < d.min {
		return ctx.Error("duration", "must be greater or equal than %s, given %s", d.min, val)
	}

	if d.max > 0 && parsed > d.max {
		return ctx.Error("duration", "must be less or equal than %s, given %s", d.max, val)
	}

	return nil
}

type durationCompiler struct{}

func (durationCompiler) Compile(ctx jsonschema.CompilerContext, m map[string]interface{}) (jsonschema.ExtSchema, error) {
	val, ok := m["duration"]
	if !ok {
		return nil, nil
	}

	mapVal, ok := val.(map[string]interface{})
	if !ok {
		return duration{}, nil
	}

	var limits duration
	var err error

	if s, ok := mapVal["minimum"].(string); ok {
		if limits.min, err = time.ParseDuration(s); err != nil {
			return nil, err
		}
	}
	if s, ok := mapVal["maximum"].(string); ok {
		if limits.max, err = time.ParseDuration(s); err != nil {
			return nil, err
		}
	}

	return limits, nil
}

// ValidateConfig validates a YAML document against the JSON schema.
func ValidateConfig(yamlData []byte, schema string) error {
	var v interface{}
	if err := yaml.Unmarshal(yamlData, &v); err != nil {
		return fmt.Errorf("failed to unmarshal gateway config: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Formats["go-duration"] = isGoDuration
	c.Formats["bytes-string"] = isBytesString
	c.Formats["http-url"] = isHttpURL

	c.RegisterExtension("duration", goDurationSchema, durationCompiler{})
	c.RegisterExtension("bytes", humanBytesSchema, humanBytesCompiler{})

	if err := c.AddResource("config.schema.json", strings.NewReader(schema)); err != nil {
		return err
	}

	sch, err := c.Compile("config.schema.json")
	if err != nil {
		return err
	}

	return sch.Validate(v)
}

// isGoDuration is the validation function for validating if the current field's value is a valid Go duration.
func isGoDuration(s any) bool {
	val, ok := s.(string)
	if !ok {
		return false
	}
	_, err := time.ParseDuration(val)
	return err == nil
}

// isBytesString is the validation function for validating if the current field's value is a valid bytes string.
func isBytesString(s any) bool {
	val, ok := s.(string)
	if !ok {
		return false
	}
	_, err := humanize.ParseBytes(val)
	return err == nil
}

// isHttpURL is the validation function for validating if the current field's value is a valid HTTP(s) URL.
func isHttpURL(a any) bool {
	val, ok := a.(string)
	if !ok || val == "" {
		return false
	}

	u, err := url.Parse(strings.ToLower(val))
	if err != nil || u.Host == "" {
		return false
	}

	return u.Scheme == "http" || u.Scheme == "https"
}

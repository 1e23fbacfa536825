package executor

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validateArgs 校验参数是否满足工具声明的 inputSchema，空 schema 视为不校验。
func validateArgs(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	schemaObj, err := roundTrip(schema)
	if err != nil {
		return fmt.Errorf("invalid inputSchema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("input.json", schemaObj); err != nil {
		return fmt.Errorf("inputSchema compile error: %w", err)
	}
	sch, err := c.Compile("input.json")
	if err != nil {
		return fmt.Errorf("inputSchema compile error: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	instance, err := roundTrip(args)
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// roundTrip 把 Go 值转换为 encoding/json 解码得到的形态（数字为 float64）。
func roundTrip(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

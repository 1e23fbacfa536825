package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"OpenMCP-Gate/internal/governance"
	"OpenMCP-Gate/internal/plan"
	"OpenMCP-Gate/pkg/logger"
)

var (
	compileInputs     map[string]string
	compileInputsJSON string

	evaluateArgs    string
	evaluateProfile string
	evaluateContext map[string]string
)

// cliCore 为一次性子命令装配核心组件，日志写到 stderr 以免污染输出。
func cliCore(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Logging.Outputs = []string{"stderr"}
	cfg.Logging.Audit.Enabled = false
	if err := initLogger(cfg); err != nil {
		return nil, err
	}
	return buildCore(cmd.Context(), cfg)
}

func runCompile(cmd *cobra.Command, args []string) error {
	a, err := cliCore(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	defer logger.Sync()

	tmpl, err := lookupTemplate(a.plans, args[0])
	if err != nil {
		return err
	}
	inputs, err := mergeInputs(compileInputs, compileInputsJSON)
	if err != nil {
		return err
	}
	p, _, err := plan.Build(tmpl, inputs)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), p)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	a, err := cliCore(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	defer logger.Sync()

	var toolArgs map[string]any
	if err := json.Unmarshal([]byte(evaluateArgs), &toolArgs); err != nil {
		return fmt.Errorf("--args 不是合法的 JSON 对象: %w", err)
	}
	decision, err := a.gate.Check(cmd.Context(), governance.Request{
		Tool:    args[0],
		Args:    toolArgs,
		Context: evaluateContext,
		Profile: evaluateProfile,
	})
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), decision); err != nil {
		return err
	}
	if !decision.Allowed() {
		return fmt.Errorf("%s 被策略拒绝", args[0])
	}
	return nil
}

func runCatalog(cmd *cobra.Command, _ []string) error {
	a, err := cliCore(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	defer logger.Sync()

	entries, err := a.router.Catalog(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), entries)
}

// lookupTemplate 优先把参数当作文件路径，否则在模板目录中按 ID 查找。
func lookupTemplate(catalog *plan.Catalog, ref string) (*plan.TemplateDef, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return plan.LoadTemplate(ref)
	}
	return catalog.Get(ref)
}

// mergeInputs 合并 --inputs-json 与 --input，后者覆盖同名键。
func mergeInputs(pairs map[string]string, raw string) (map[string]any, error) {
	inputs := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
			return nil, fmt.Errorf("--inputs-json 不是合法的 JSON 对象: %w", err)
		}
	}
	for k, v := range pairs {
		inputs[k] = v
	}
	return inputs, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

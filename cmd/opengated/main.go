package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"OpenMCP-Gate/internal/config"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:           "opengated",
		Short:         "Policy-gated orchestration gateway for cloud and collaboration tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API, the run processor and the metrics endpoint",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	compileCmd = &cobra.Command{
		Use:   "compile <template-id|file>",
		Short: "Compile a template into an ordered plan without executing it",
		Args:  cobra.ExactArgs(1),
		RunE:  runCompile,
	}

	evaluateCmd = &cobra.Command{
		Use:   "evaluate <service.tool>",
		Short: "Evaluate a tool call against the governance policy",
		Args:  cobra.ExactArgs(1),
		RunE:  runEvaluate,
	}

	catalogCmd = &cobra.Command{
		Use:   "catalog",
		Short: "List the federated tool catalog of every configured service",
		Args:  cobra.NoArgs,
		RunE:  runCatalog,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the config file (defaults to $"+config.EnvConfigPath+")")

	compileCmd.Flags().StringToStringVarP(&compileInputs, "input", "i", nil, "template input as key=value, repeatable")
	compileCmd.Flags().StringVar(&compileInputsJSON, "inputs-json", "", "template inputs as a JSON object")

	evaluateCmd.Flags().StringVar(&evaluateArgs, "args", "{}", "tool arguments as a JSON object")
	evaluateCmd.Flags().StringVar(&evaluateProfile, "profile", "", "compliance profile (defaults to governance.profile)")
	evaluateCmd.Flags().StringToStringVar(&evaluateContext, "context", nil, "evaluation context as key=value, repeatable")

	rootCmd.AddCommand(serveCmd, compileCmd, evaluateCmd, catalogCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "opengated: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 读取配置；未指定路径且环境变量也为空时使用默认配置。
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		return config.Default(wd), nil
	}
	return config.Load(path)
}

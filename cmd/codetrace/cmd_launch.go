package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ctagard/codetrace/internal/launchconfig"
	"github.com/ctagard/codetrace/internal/runner"
)

var (
	launchPath      string
	launchWorkspace string
	launchFile      string
	launchInputs    []string

	launchCmd = &cobra.Command{
		Use:   "launch <name>",
		Short: "Execute a configuration or compound from a .codetrace launch file",
		Args:  cobra.ExactArgs(1),
		RunE:  runLaunch,
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List the configurations of a launch file",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
)

func init() {
	for _, cmd := range []*cobra.Command{launchCmd, listCmd} {
		cmd.Flags().StringVar(&launchPath, "launch-file", "", "Path to the launch file (default: discovered from --workspace)")
		cmd.Flags().StringVarP(&launchWorkspace, "workspace", "w", "", "Workspace folder for discovery and ${workspaceFolder}")
	}
	launchCmd.Flags().StringVar(&launchFile, "file", "", "Value of ${file}")
	launchCmd.Flags().StringArrayVarP(&launchInputs, "input", "i", nil, "Value of an ${input:} variable as id=value")

	launchCmd.AddCommand(listCmd)
}

func loadLaunchFile() (*launchconfig.LaunchFile, string, error) {
	if launchPath != "" {
		lf, err := launchconfig.LoadFromPath(launchPath)
		return lf, launchPath, err
	}
	return launchconfig.LoadAndDiscover(launchWorkspace)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	lf, path, err := loadLaunchFile()
	if err != nil {
		return err
	}

	// ${input:} values stay text; resolution coerces them
	provided := make(map[string]string, len(launchInputs))
	for _, pair := range launchInputs {
		id, value, ok := strings.Cut(pair, "=")
		if !ok || id == "" {
			return fmt.Errorf("--input: expected id=value, got %q", pair)
		}
		if _, err := launchconfig.FindInput(lf, id); err != nil {
			logger.Warn().Str("input", id).Msg("input is not declared in the launch file")
		}
		provided[id] = value
	}

	resCtx := &launchconfig.ResolutionContext{
		WorkspaceFolder: launchWorkspace,
		CurrentFile:     launchFile,
		InputValues:     lf.MergeInputValues(provided),
	}
	if resCtx.WorkspaceFolder == "" {
		resCtx.WorkspaceFolder = launchconfig.GetWorkspaceFolder(path)
	}

	names := []string{args[0]}
	if compound, err := launchconfig.FindCompound(lf, args[0]); err == nil {
		names = compound.Configurations
	}

	r := newRunner()
	failed := false
	for _, name := range names {
		report, err := launchOne(cmd.Context(), r, lf, name, resCtx)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := printReport(cmd.OutOrStdout(), report); err != nil {
			logger.Error().Err(err).Str("config", name).Msg("configuration failed")
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("launch %s failed", args[0])
	}
	return nil
}

func launchOne(ctx context.Context, r *runner.Runner, lf *launchconfig.LaunchFile, name string, resCtx *launchconfig.ResolutionContext) (*runner.Report, error) {
	c, err := launchconfig.FindConfiguration(lf, name)
	if err != nil {
		return nil, err
	}
	resolved, err := launchconfig.ResolveConfiguration(c, resCtx)
	if err != nil {
		return nil, err
	}
	if err := checkPermission(resolved.Kind); err != nil {
		return nil, err
	}
	return r.Execute(ctx, runner.FromConfiguration(resolved))
}

func runList(cmd *cobra.Command, args []string) error {
	lf, path, err := loadLaunchFile()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n", path)
	for _, info := range launchconfig.ListConfigurations(lf) {
		fmt.Fprintf(out, "  %-24s %-8s %-5s %s\n", info.Name, info.Request, info.Language, info.Program)
	}
	for _, info := range launchconfig.ListCompounds(lf) {
		fmt.Fprintf(out, "  %-24s compound %v\n", info.Name, info.Configurations)
	}
	for _, err := range launchconfig.ValidateLaunchFile(lf) {
		fmt.Fprintf(out, "warning: %v\n", err)
	}
	return nil
}

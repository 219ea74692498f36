// cmd/validate.go
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/sentinel/internal/observability"
	"github.com/xkilldash9x/sentinel/internal/scenario"
)

func newValidateCmd() *cobra.Command {
	var strict bool

	validateCmd := &cobra.Command{
		Use:   "validate [scenario paths...]",
		Short: "Check scenario definitions without running them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			paths := args
			if len(paths) == 0 {
				paths = cfg.Target().ScenarioPaths
			}
			return runValidate(cmd.OutOrStdout(), scenario.New(observability.GetLogger()), paths, strict)
		},
	}
	validateCmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")
	return validateCmd
}

// runValidate prints every issue found under paths followed by a one-line
// summary. It fails when errors (or, with strict, warnings) were found.
func runValidate(out io.Writer, loader *scenario.Loader, paths []string, strict bool) error {
	res, err := loader.LoadPaths(paths)
	if err != nil {
		return err
	}
	for _, issue := range res.Issues {
		fmt.Fprintf(out, "%s: %s\n", issue.Severity, issue)
	}

	errs, warns := len(res.Errors()), len(res.Warnings())
	fmt.Fprintf(out, "%d valid scenario(s) in %d file(s): %d error(s), %d warning(s)\n",
		len(res.Scenarios), len(res.Files), errs, warns)

	switch {
	case errs > 0:
		return fmt.Errorf("%d invalid scenario definition(s)", errs)
	case strict && warns > 0:
		return fmt.Errorf("%d scenario warning(s) in strict mode", warns)
	}
	return nil
}

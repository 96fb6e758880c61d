package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pitabwire/procflow/internal/config"
	"github.com/pitabwire/procflow/internal/definition"
	"github.com/pitabwire/procflow/model"
)

var validateCmd = &cobra.Command{
	Use:   "validate [directory...]",
	Short: "Load and validate process definitions",
	Long: `Loads every process definition file and reports all problems found.
Directories default to definitions.directories from the configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dirs := args
		if len(dirs) == 0 {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			dirs = cfg.Definitions.Directories
		}

		defs, err := loadDefinitions(dirs, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, d := range defs {
			for _, p := range d.Processes {
				fmt.Fprintf(out, "%-20s %-12s %2d nodes %2d transitions  %s\n",
					p.ID, p.Code, len(p.Nodes), len(p.Transitions), d.Checksum[:12])
			}
		}
		return nil
	},
}

// loadDefinitions loads and validates every definition file under dirs,
// writing each validation error to errOut.
func loadDefinitions(dirs []string, errOut io.Writer) ([]model.DefinitionFile, error) {
	defs, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return nil, fmt.Errorf("load definitions: %w", err)
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		for _, ve := range verrs {
			fmt.Fprintln(errOut, ve.Error())
		}
		return nil, fmt.Errorf("%d definition error(s)", len(verrs))
	}
	return defs, nil
}

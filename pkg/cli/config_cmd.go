package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/getmockd/warcrec/pkg/cli/internal/output"
	"github.com/getmockd/warcrec/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect warcrec configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration and where overrides came from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd, nil)
		if err != nil {
			return err
		}
		defer env.close()

		w := cmd.OutOrStdout()
		if jsonOutput {
			return output.JSON(w, struct {
				Config  *config.Config    `json:"config"`
				Sources map[string]string `json:"sources"`
			}{env.cfg, env.cfg.Sources})
		}

		data, err := config.Marshal(env.cfg)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if len(env.cfg.Sources) > 0 {
			fmt.Fprintln(w, "\n# sources")
			keys := make([]string, 0, len(env.cfg.Sources))
			for k := range env.cfg.Sources {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "# %s: %s\n", k, env.cfg.Sources[k])
			}
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

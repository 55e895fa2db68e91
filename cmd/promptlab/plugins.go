package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/promptlab/internal/metric"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List metric plugins as a manifest",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		reg := a.svc.Evaluator().Registry()
		type entry struct {
			metric.Info `yaml:",inline"`
			Enabled     bool `yaml:"enabled"`
		}
		var out struct {
			Plugins []entry `yaml:"plugins"`
		}
		for _, p := range reg.GetAll() {
			info := p.Info()
			info.Default = reg.IsDefault(info.ID)
			out.Plugins = append(out.Plugins, entry{Info: info, Enabled: reg.IsEnabled(info.ID)})
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(out)
	},
}

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/kvmbroker/internal/vendor"
)

func profilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Inspect the built-in vendor automation profiles",
	}
	cmd.AddCommand(profilesListCmd())
	cmd.AddCommand(profilesShowCmd())
	return cmd
}

func profilesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List vendor profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := vendor.Default()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "KEY\tNAME\tSTEPS\tDETECT\n")
			for _, p := range reg.Profiles() {
				detect := ""
				if len(p.Detect) > 0 {
					detect = p.Detect[0].String()
					if len(p.Detect) > 1 {
						detect += fmt.Sprintf(" (+%d)", len(p.Detect)-1)
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.Key, p.Name, len(p.Steps), detect)
			}
			return tw.Flush()
		},
	}
}

func profilesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <vendor>",
		Short: "Print a profile's detection rule and steps as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := vendor.Default()
			if err != nil {
				return err
			}
			p, err := reg.Lookup(args[0])
			if err != nil {
				return fmt.Errorf("%w: %s (known: %v)", err, args[0], reg.Keys())
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(newProfileView(p, vendor.DefaultTimeouts()))
		},
	}
}

type profileView struct {
	Key     string     `yaml:"key"`
	Name    string     `yaml:"name"`
	Detect  []string   `yaml:"detect"`
	Samples int        `yaml:"samples"`
	Steps   []stepView `yaml:"steps"`
}

type stepView struct {
	Kind      string   `yaml:"kind"`
	URL       string   `yaml:"url,omitempty"`
	Fields    []string `yaml:"fields,omitempty"`
	Submit    string   `yaml:"submit,omitempty"`
	Condition string   `yaml:"condition,omitempty"`
	Timeout   string   `yaml:"timeout"`
	Poll      string   `yaml:"poll,omitempty"`
}

// newProfileView flattens a profile for display. Literal field values are
// shown by selector only.
func newProfileView(p *vendor.Profile, defaults vendor.Timeouts) profileView {
	v := profileView{Key: p.Key, Name: p.Name, Samples: len(p.Samples)}
	for _, pred := range p.Detect {
		v.Detect = append(v.Detect, pred.String())
	}
	for _, s := range p.Steps {
		s = defaults.FillUnset(s)
		sv := stepView{
			Kind:    string(s.Kind),
			URL:     string(s.URL),
			Submit:  s.Submit,
			Timeout: s.Timeout.String(),
		}
		if s.Poll > 0 {
			sv.Poll = s.Poll.String()
		}
		for _, f := range s.Fields {
			sv.Fields = append(sv.Fields, fmt.Sprintf("%s <- %s", f.Selector, f.Source))
		}
		if s.Kind == vendor.StepWaitForCondition {
			sv.Condition = s.Condition.String()
		}
		v.Steps = append(v.Steps, sv)
	}
	return v
}

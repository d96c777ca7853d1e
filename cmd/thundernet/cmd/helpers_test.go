package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// resetCLI clears state left behind by a previous Execute: flag values,
// viper bindings and the loaded configuration.
func resetCLI(t *testing.T) {
	t.Helper()

	viper.Reset()
	cfgFile = ""
	globalConfig = nil
	configLoader = nil

	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		for _, fs := range []*pflag.FlagSet{c.Flags(), c.PersistentFlags()} {
			fs.VisitAll(func(f *pflag.Flag) {
				if sv, ok := f.Value.(pflag.SliceValue); ok {
					_ = sv.Replace(sliceDefault(f.DefValue))
				} else {
					_ = f.Value.Set(f.DefValue)
				}
				f.Changed = false
			})
		}
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(rootCmd)
}

// sliceDefault parses the "[a,b]" form pflag uses for slice defaults.
func sliceDefault(def string) []string {
	def = strings.Trim(def, "[]")
	if def == "" {
		return nil
	}
	return strings.Split(def, ",")
}

// runCLI executes the root command in an isolated working directory.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	resetCLI(t)
	t.Cleanup(func() { resetCLI(t) })

	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// fastArgs keeps the reference network small for tests.
var fastArgs = []string{"--min-size", "128", "--max-size", "160", "--threads", "2", "--workers", "2"}

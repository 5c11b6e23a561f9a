// Command oil inspects and maintains oil databases.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// cli carries state shared by all commands.
type cli struct {
	out  io.Writer
	v    *viper.Viper
	file string
	cfg  *Config
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out, v: newViper()}

	rootCmd := &cobra.Command{
		Use:           "oil",
		Short:         "Inspect and maintain oil databases",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(c.v, c.file)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	rootCmd.SetOut(out)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.file, "config", "", "config file (yaml, json or toml)")
	flags.String("db", "", "path of the database log file")
	flags.String("durability", "", "sync or async")
	flags.String("compression", "", "none, zstd or lz4")
	flags.Int("max-items-per-extent", 0, "queue extent capacity")
	flags.String("log-level", "", "debug, info, warn or error")
	_ = c.v.BindPFlag("logStore.file", flags.Lookup("db"))
	_ = c.v.BindPFlag("durability", flags.Lookup("durability"))
	_ = c.v.BindPFlag("compression", flags.Lookup("compression"))
	_ = c.v.BindPFlag("maxItemsPerExtent", flags.Lookup("max-items-per-extent"))
	_ = c.v.BindPFlag("log.level", flags.Lookup("log-level"))

	rootCmd.AddCommand(
		newStatCmd(c),
		newDumpCmd(c),
		newDefragCmd(c),
		newBackupCmd(c),
		newRestoreCmd(c),
		newBackupsCmd(c),
	)
	return rootCmd
}

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgecloud/edgestore/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.GetDefaultConfigPath()
		}
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}

		cfg := config.GetDefaultConfig()
		config.ApplyDefaults(cfg)
		if err := config.SaveConfig(cfg, path); err != nil {
			return err
		}
		fmt.Printf("configuration written to %s\n", path)
		fmt.Println("set auth.secret_key before starting the server")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "groupd",
		Short: "Group state synchronization daemon",
	}

	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default ~/.groupd)")
	_ = v.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))

	rootCmd.AddCommand(newStartCmd(v))
	rootCmd.AddCommand(newGroupsCmd(v))
	rootCmd.AddCommand(newJoinCmd(v))
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

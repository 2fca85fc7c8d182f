package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd is the base command for the hearthcall CLI.
var rootCmd = &cobra.Command{
	Use:   "hearthcall",
	Short: "hearthcall - P2P video call signaling for hearth chat rooms",
	Long:  "hearthcall runs headless video call participants, the room signaling relay, and the local room API.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Welcome to hearthcall! Use 'hearthcall --help' for available commands.")
	},
}

// Execute runs the root command.
func Execute() {
	cobra.OnInitialize(initConfig)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// initConfig initializes Viper to read in configuration.
func initConfig() {
	viper.SetConfigName("config") // config file name (without extension)
	viper.SetConfigType("yaml")   // config file type
	viper.AddConfigPath(".")      // look for the config in the current directory
	viper.SetEnvPrefix("hearthcall")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("No config file found, using defaults.")
	}
}

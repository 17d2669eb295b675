package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/satriahrh/professor-bot/config"
	"github.com/satriahrh/professor-bot/utils/log"
)

var (
	configFile string
	v          = viper.New()
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ./professor-bot.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable development logging")
	v.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

var rootCmd = &cobra.Command{
	Use:   "professor-bot",
	Short: "Chat with a hosted LLM persona in the browser",
	Long: `professor-bot serves a small chat front-end that forwards messages to a
hosted completion model and streams the reply back.

Examples:
  professor-bot serve --addr :8080
  professor-bot serve --persona vocab-quiz --policy full
  professor-bot chat --server http://localhost:8080`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	SilenceUsage:      true,
}

func Execute() {
	defer log.Sync()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads configuration after flags have been parsed.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Debug {
		log.SetDebug(true)
	}
	return cfg, nil
}

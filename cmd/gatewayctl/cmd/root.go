// Package cmd provides the gatewayctl ops CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	apiPrefix string
	verbose   bool
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "gatewayctl",
	Short: "gatewayctl - Danbooru Gateway operations CLI",
	Long: `
  ____       _                                       ____       _
 |  _ \  __ _ _ __   | |__   ___   ___  _ __ _   _  / ___| __ _| |_ ___
 | | | |/ _` + "`" + ` | '_ \  | '_ \ / _ \ / _ \| '__| | | || |  _ / _` + "`" + ` | __/ _ \
 | |_| | (_| | | | | | |_) | (_) | (_) | |  | |_| || |__| (_| | ||  __/
 |____/ \__,_|_| |_| |_.__/ \___/ \___/|_|   \__,_| \____\__,_|\__\___|

gatewayctl talks directly to Redis to inspect and manage one api's
request/response/DLQ/dead streams, rate-limit counters, and query cache.

Run 'gatewayctl help <command>' for details on any command.
`,
	Version: "1.0.0",
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gateway.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("redis", "localhost:6379", "Redis address")
	rootCmd.PersistentFlags().StringVar(&apiPrefix, "api", "danbooru", "api prefix to operate on")

	viper.BindPFlag("redis", rootCmd.PersistentFlags().Lookup("redis"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("gateway")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.gatewayctl")
	}

	viper.SetEnvPrefix("GATEWAY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Println("Using config:", viper.ConfigFileUsed())
	}
}

// redisClient builds a client from the bound --redis flag.
func redisClient() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: viper.GetString("redis")})
}

// Color helpers, matching the rest of this codebase's plain-ANSI style.
func green(s string) string  { return "\033[32m" + s + "\033[0m" }
func red(s string) string    { return "\033[31m" + s + "\033[0m" }
func yellow(s string) string { return "\033[33m" + s + "\033[0m" }
func cyan(s string) string   { return "\033[36m" + s + "\033[0m" }
func bold(s string) string   { return "\033[1m" + s + "\033[0m" }

func success(msg string) { fmt.Println(green("✓ ") + msg) }
func fail(msg string)    { fmt.Fprintln(os.Stderr, red("✗ ")+msg) }
func info(msg string)    { fmt.Println(cyan("ℹ ") + msg) }
func warn(msg string)    { fmt.Println(yellow("⚠ ") + msg) }

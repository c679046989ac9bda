package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/genflow/pkg/client"
	tlsutil "github.com/psantana5/genflow/pkg/tls"
)

const defaultServer = "http://localhost:8080"

var (
	cfgFile      string
	serverURL    string
	outputFormat string
	requesterID  string
	caFile       string
	certFile     string
	keyFile      string
	timeout      time.Duration
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "genctl",
	Short:         "CLI for the genflow orchestration daemon",
	Long:          `genctl submits generation jobs and operates the queue, dead-letter store and cost monitor of a running genflowd.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.genctl/config.yaml)")
	pf.StringVar(&serverURL, "server", "", "genflowd API URL (default from config or "+defaultServer+")")
	pf.StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	pf.StringVar(&requesterID, "requester", "", "identity sent as the requester header")
	pf.StringVar(&caFile, "ca", "", "CA certificate used to verify the server")
	pf.StringVar(&certFile, "cert", "", "client certificate for mTLS")
	pf.StringVar(&keyFile, "key", "", "client key for mTLS")
	pf.DurationVar(&timeout, "timeout", 30*time.Second, "per-request timeout")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".genctl"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("GENCTL")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Warning: failed to read %s: %v\n", cfgFile, err)
	}

	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = v.GetString(key)
		}
	}
	fill(&serverURL, "server")
	fill(&requesterID, "requester")
	fill(&caFile, "ca")
	fill(&certFile, "cert")
	fill(&keyFile, "key")

	if serverURL == "" {
		serverURL = defaultServer
	}
	if requesterID == "" {
		requesterID = os.Getenv("USER")
	}
}

// newClient builds an API client from the global flags
func newClient() (*client.Client, error) {
	opts := []client.Option{client.WithTimeout(timeout)}
	if requesterID != "" {
		opts = append(opts, client.WithRequester(requesterID))
	}
	if strings.HasPrefix(serverURL, "https://") || caFile != "" || certFile != "" {
		cfg, err := tlsutil.ClientConfig(certFile, keyFile, caFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithTLS(cfg))
	}
	return client.New(serverURL, opts...), nil
}

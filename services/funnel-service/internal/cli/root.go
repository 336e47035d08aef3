// Package cli implements funnelctl, the operator command line for the funnel service.
package cli

import (
	"os"
	"time"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/consent"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	serverURL string
	grpcAddr  string
	timeout   time.Duration
	jsonOut   bool
}

// NewRootCommand builds the funnelctl command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(nil)
}

func newRootCommand(prompter consent.Prompter) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "funnelctl",
		Short:         "Operate the booking funnel service",
		Long:          `funnelctl reads funnel and journey reports, files data-subject requests and records consent against a running funnel-service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.serverURL, "server", getEnvOrDefault("FUNNEL_URL", "http://localhost:8080"), "funnel-service HTTP base url")
	root.PersistentFlags().StringVar(&opts.grpcAddr, "grpc", getEnvOrDefault("FUNNEL_GRPC_ADDR", "localhost:9090"), "funnel-service gRPC address")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print raw JSON")

	root.AddCommand(
		newReportCmd(opts),
		newPrivacyCmd(opts),
		newConsentCmd(opts, prompter),
		newHealthCmd(opts),
	)
	return root
}

// Execute runs funnelctl with os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

func (o *rootOptions) client() *Client {
	return NewClient(o.serverURL, o.timeout)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/privml/trishare/cmd"
)

func main() {
	command := &cobra.Command{
		Use: "trishare",
	}
	addDaemonCmd(command)
	addCliCmd(command)
	addConvertCmd(command)

	err := command.Execute()
	if err != nil {
		panic(err)
	}
}

// addDaemonCmd starts one server of the cluster
func addDaemonCmd(command *cobra.Command) {
	var opts cmd.DaemonOptions
	var verbose bool

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Start a trishare server node",
		Long:  "Start one of the three trishare servers, load its weight-share bundle and serve prediction requests",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			setLogLevel(verbose)
			return cmd.StartDaemon(opts)
		},
	}

	daemonCmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "cluster.yaml", "cluster config file")
	daemonCmd.Flags().IntVarP(&opts.Index, "index", "i", 0, "this server's index in the cluster")
	daemonCmd.Flags().StringVarP(&opts.BundlePath, "bundle", "b", "", "weight-share bundle file")
	daemonCmd.Flags().StringVar(&opts.ExpectedDigest, "digest", "", "expected bundle digest")
	daemonCmd.Flags().StringVar(&opts.StatusAddr, "status", "", "HTTP status endpoint address")
	daemonCmd.Flags().IntVar(&opts.MaxRequests, "max-requests", 0, "terminate after this many requests (0 = unlimited)")
	daemonCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable info logging")
	_ = daemonCmd.MarkFlagRequired("bundle")

	command.AddCommand(daemonCmd)
}

// addCliCmd starts the interactive prediction client
func addCliCmd(command *cobra.Command) {
	var configPath string
	var keyHex string
	var verbose bool

	cliCmd := &cobra.Command{
		Use:   "cli",
		Short: "Start the interactive prediction client",
		Long:  "Submit prediction requests to a trishare cluster interactively",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			setLogLevel(verbose)
			return cmd.StartCLI(configPath, keyHex)
		},
	}

	cliCmd.Flags().StringVarP(&configPath, "config", "c", "cluster.yaml", "cluster config file")
	cliCmd.Flags().StringVarP(&keyHex, "key", "k", "", "hex ECDSA private key (generated if empty)")
	cliCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable info logging")

	command.AddCommand(cliCmd)
}

// addConvertCmd splits a trained model into weight-share bundles
func addConvertCmd(command *cobra.Command) {
	var configPath string
	var outDir string

	convertCmd := &cobra.Command{
		Use:   "convert <model.json>",
		Short: "Split a trained model into per-server weight bundles",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			setLogLevel(false)
			return cmd.RunConvert(args[0], configPath, outDir)
		},
	}

	convertCmd.Flags().StringVarP(&configPath, "config", "c", "cluster.yaml", "cluster config file")
	convertCmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory for the bundles")

	command.AddCommand(convertCmd)
}

func setLogLevel(verbose bool) {
	if verbose {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
}

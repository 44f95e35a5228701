// Package clicmd wires the ue-go command line: one cobra root command
// plus the usual capnslog log-level flags.
package clicmd

import (
	"fmt"
	"os"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"
)

var (
	logDebug, logVerbose bool
	logLevel             = capnslog.NOTICE
)

// NewRootCommand builds the "ue-go" root command: a single-purpose
// download-and-verify binary, not a multi-subcommand tool.
func NewRootCommand() *cobra.Command {
	var (
		outputDir      string
		inputXML       string
		payloadURL     string
		publicKeyPath  string
		nameMatches    []string
		targetFilename string
		takeFirstMatch bool
	)

	root := &cobra.Command{
		Use:   "ue-go",
		Short: "Download and verify an Omaha/CrAU update payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoot(rootFlags{
				outputDir:      outputDir,
				inputXML:       inputXML,
				payloadURL:     payloadURL,
				publicKeyPath:  publicKeyPath,
				nameMatches:    nameMatches,
				targetFilename: targetFilename,
				takeFirstMatch: takeFirstMatch,
			})
		},
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.VarP(&logLevel, "log-level", "l", "Set global log level.")
	flags.BoolVarP(&logVerbose, "verbose", "v", false, "Alias for --log-level=INFO")
	flags.BoolVarP(&logDebug, "debug", "d", false, "Alias for --log-level=DEBUG")

	root.Flags().StringVarP(&outputDir, "output-dir", "o", "", "output directory (required)")
	root.Flags().StringVarP(&inputXML, "input-xml", "i", "", "Omaha XML input path, or - for stdin")
	root.Flags().StringVarP(&payloadURL, "url", "u", "", "direct payload URL (mutually exclusive with -i)")
	root.Flags().StringVarP(&publicKeyPath, "pubkey", "p", "", "PEM public key (PKCS#8)")
	root.Flags().StringArrayVarP(&nameMatches, "match", "m", nil, "package-name glob, repeatable")
	root.Flags().StringVarP(&targetFilename, "name", "n", "", "override output filename (requires -u or -t)")
	root.Flags().BoolVarP(&takeFirstMatch, "take-first-match", "t", false, "stop after first matching package")

	root.MarkFlagRequired("output-dir")

	root.PreRunE = func(cmd *cobra.Command, args []string) error {
		startLogging()
		return nil
	}

	return root
}

func startLogging() {
	switch {
	case logDebug:
		logLevel = capnslog.DEBUG
	case logVerbose:
		logLevel = capnslog.INFO
	}
	capnslog.SetGlobalLogLevel(logLevel)
	capnslog.SetFormatter(capnslog.NewStringFormatter(os.Stderr))
}

// Execute runs root and terminates the process with an appropriate exit
// code.
func Execute(root *cobra.Command) {
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

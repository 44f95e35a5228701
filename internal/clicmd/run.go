package clicmd

import (
	"fmt"
	"io"
	"os"

	"github.com/flatcar/ue-go/update"
)

type rootFlags struct {
	outputDir      string
	inputXML       string
	payloadURL     string
	publicKeyPath  string
	nameMatches    []string
	targetFilename string
	takeFirstMatch bool
}

func runRoot(f rootFlags) error {
	if (f.inputXML != "") == (f.payloadURL != "") {
		return fmt.Errorf("exactly one of --input-xml or --url must be given")
	}
	if f.targetFilename != "" && f.payloadURL == "" && !f.takeFirstMatch {
		return fmt.Errorf("--name requires --url or --take-first-match")
	}

	cfg := &update.Config{
		OutputDir:      f.outputDir,
		PayloadURL:     f.payloadURL,
		PublicKeyPath:  f.publicKeyPath,
		NameMatches:    f.nameMatches,
		TargetFilename: f.targetFilename,
		TakeFirstMatch: f.takeFirstMatch,
	}

	if f.inputXML != "" {
		r, closeFn, err := openXMLInput(f.inputXML)
		if err != nil {
			return err
		}
		defer closeFn()
		cfg.InputXML = r
	}

	outputs, err := update.Run(cfg)
	if err != nil {
		return err
	}
	for _, p := range outputs {
		fmt.Println(p)
	}
	return nil
}

func openXMLInput(path string) (io.Reader, func() error, error) {
	if path == "-" {
		return os.Stdin, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, f.Close, nil
}

// Package update implements the top-level orchestration that ties the XML
// protocol, package state machine, fetcher, and CrAU verifier together:
// resolve an Omaha response (or a direct URL) into packages, download and
// verify each, and land the final artifact at its output path.
package update

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreos/pkg/capnslog"
	"github.com/gobwas/glob"

	"github.com/flatcar/ue-go/fetch"
	"github.com/flatcar/ue-go/omaha"
	"github.com/flatcar/ue-go/pkgstate"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/ue-go", "update")

// ErrConflictingInput is returned when both an XML input and a direct URL
// are configured, or neither is.
var ErrConflictingInput = errors.New("update: exactly one of input XML or payload URL must be set")

// Config holds the fully-resolved orchestrator inputs, equivalent to the
// CLI's -o/-i/-u/-p/-m/-n/-t flags.
type Config struct {
	OutputDir      string
	InputXML       io.Reader // nil if PayloadURL is set instead
	PayloadURL     string
	PublicKeyPath  string
	NameMatches    []string // glob patterns over package.name
	TargetFilename string   // overrides the output filename
	TakeFirstMatch bool

	Client *http.Client
}

func (c *Config) validate() error {
	hasXML := c.InputXML != nil
	hasURL := c.PayloadURL != ""
	if hasXML == hasURL {
		return ErrConflictingInput
	}
	if c.OutputDir == "" {
		return fmt.Errorf("update: output directory is required")
	}
	if fi, err := os.Stat(c.OutputDir); err != nil {
		return fmt.Errorf("update: output directory %s: %w", c.OutputDir, err)
	} else if !fi.IsDir() {
		return fmt.Errorf("update: output path %s is not a directory", c.OutputDir)
	}
	return nil
}

// Run executes one full orchestration pass per Config and returns the
// output paths of every package that reached pkgstate.Verified.
func Run(cfg *Config) ([]string, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client := cfg.Client
	if client == nil {
		client = fetch.NewClient()
	}

	pub, err := loadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, err
	}

	var packages []omaha.ResolvedPackage
	if cfg.InputXML != nil {
		packages, err = packagesFromXML(cfg.InputXML, cfg.NameMatches)
		if err != nil {
			return nil, err
		}
	} else {
		packages = []omaha.ResolvedPackage{{
			Name: filepath.Base(cfg.PayloadURL),
			URL:  cfg.PayloadURL,
		}}
	}

	unverifiedDir := filepath.Join(cfg.OutputDir, ".unverified")
	tmpDir := filepath.Join(cfg.OutputDir, ".tmp")
	if err := os.MkdirAll(unverifiedDir, 0o755); err != nil {
		return nil, fmt.Errorf("update: mkdir %s: %w", unverifiedDir, err)
	}

	var outputs []string
	for _, pkg := range packages {
		outPath, err := processPackage(client, pkg, unverifiedDir, tmpDir, cfg.OutputDir, cfg.TargetFilename, pub)
		if err != nil {
			return outputs, fmt.Errorf("update: package %q: %w", pkg.Name, err)
		}
		outputs = append(outputs, outPath)

		if cfg.TakeFirstMatch {
			break
		}
	}

	os.RemoveAll(tmpDir)

	return outputs, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, fmt.Errorf("update: public key path is required")
	}
	return loadPKIXPublicKey(path)
}

func packagesFromXML(r io.Reader, patterns []string) ([]omaha.ResolvedPackage, error) {
	resp, err := omaha.ParseResponse(r)
	if err != nil {
		return nil, err
	}

	globs := make([]glob.Glob, 0, len(patterns))
	for _, pat := range patterns {
		g, err := glob.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("update: bad glob pattern %q: %w", pat, err)
		}
		globs = append(globs, g)
	}

	var out []omaha.ResolvedPackage
	for _, app := range resp.Apps {
		resolved, err := app.UpdateCheck.ResolvedPackages()
		if err != nil {
			return nil, err
		}
		for _, pkg := range resolved {
			if matchesAny(globs, pkg.Name) {
				out = append(out, pkg)
			}
		}
	}
	return out, nil
}

func matchesAny(globs []glob.Glob, name string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func processPackage(client *http.Client, rp omaha.ResolvedPackage, unverifiedDir, tmpDir, outputDir, targetFilename string, pub *rsa.PublicKey) (string, error) {
	unverifiedPath := filepath.Join(unverifiedDir, rp.Name)

	pkg := &pkgstate.Package{
		URL:            rp.URL,
		Path:           unverifiedPath,
		ExpectedSize:   rp.Size,
		ExpectedSHA256: rp.SHA256,
		ExpectedSHA1:   rp.SHA1,
	}

	if err := pkg.CheckDownload(); err != nil {
		return "", err
	}

	if err := pkg.Download(client); err != nil {
		return "", err
	}

	blobPath, err := pkg.VerifySignatureOnDisk(tmpDir, pub)
	if err != nil {
		return "", err
	}

	name := targetFilename
	if name == "" {
		name = outputName(rp.Name)
	}
	finalPath := filepath.Join(outputDir, name)
	if err := os.Rename(blobPath, finalPath); err != nil {
		return "", fmt.Errorf("update: rename %s to %s: %w", blobPath, finalPath, err)
	}

	plog.Infof("package %q verified and written to %s", rp.Name, finalPath)
	return finalPath, nil
}

func outputName(pkgName string) string {
	ext := filepath.Ext(pkgName)
	base := strings.TrimSuffix(pkgName, ext)
	return base + ".raw"
}

// Package omaha implements the Omaha update-check XML protocol: request
// serialization and a tolerant response parser that flattens the wire
// format's container elements (<packages>, <actions>, <urls>) into flat
// Go slices, using encoding/xml's path-tag flattening.
package omaha

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/coreos/pkg/capnslog"

	"github.com/flatcar/ue-go/digest"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/ue-go", "omaha")

// Response is the root <response> element.
type Response struct {
	XMLName  xml.Name `xml:"response"`
	Protocol string   `xml:"protocol,attr"`
	Apps     []App    `xml:"app"`
}

// App is one <app> element within a response.
type App struct {
	AppID       string      `xml:"appid,attr"`
	Status      string      `xml:"status,attr"`
	UpdateCheck UpdateCheck `xml:"updatecheck"`
}

// UpdateCheck is the <updatecheck> element. URLs and Manifest.Packages and
// Manifest.Actions are flattened from their wrapping container tags by
// encoding/xml's ">"-path tag syntax.
type UpdateCheck struct {
	Status   string    `xml:"status,attr"`
	URLs     []URL     `xml:"urls>url"`
	Manifest *Manifest `xml:"manifest"`
}

// URL is one <url> element inside <urls>. Unknown attributes on this or
// any other element are ignored by default since encoding/xml only binds
// tags it recognizes (tolerant-by-default per the protocol's own
// forward-compatibility expectation).
type URL struct {
	CodeBase string `xml:"codebase,attr"`
}

// Manifest is the <manifest> element.
type Manifest struct {
	Version  string    `xml:"version,attr"`
	Packages []Package `xml:"packages>package"`
	Actions  []Action  `xml:"actions>action"`
}

// Package is one <package> element inside <packages>.
type Package struct {
	Name       string `xml:"name,attr"`
	HashSHA1   string `xml:"hash,attr"`
	HashSHA256 string `xml:"hash_sha256,attr"`
	Size       uint64 `xml:"size,attr"`
	Required   bool   `xml:"required,attr"`
}

// ActionEvent identifies when an <action> applies.
type ActionEvent string

const (
	ActionPreInstall  ActionEvent = "preinstall"
	ActionInstall     ActionEvent = "install"
	ActionPostInstall ActionEvent = "postinstall"
	ActionUpdate      ActionEvent = "update"
)

// Action is one <action> element inside <actions>. Beyond the event name,
// the update-engine extension attributes for event="postinstall" are
// carried for protocol fidelity even though this client only consumes
// SHA256.
type Action struct {
	Event                 ActionEvent `xml:"event,attr"`
	DisplayVersion        string      `xml:"DisplayVersion,attr"`
	SHA256                string      `xml:"sha256,attr"`
	NeedsAdmin            bool        `xml:"needsadmin,attr"`
	IsDeltaPayload        bool        `xml:"IsDeltaPayload,attr"`
	DisablePayloadBackoff bool        `xml:"DisablePayloadBackoff,attr"`
	SuccessAction         string      `xml:"successaction,attr"`
}

// ParseResponse decodes an Omaha <response> document from r.
func ParseResponse(r io.Reader) (*Response, error) {
	var resp Response
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("omaha: parse response: %w", err)
	}
	return &resp, nil
}

// ResolvedPackage is a Package together with its effective digests after
// the historical action-sha256 fallback (see UpdateCheck.ResolvedPackages)
// and its fully-joined download URL.
type ResolvedPackage struct {
	Name   string
	URL    string
	Size   uint64
	SHA1   *digest.Digest
	SHA256 *digest.Digest
}

// ResolvedPackages derives the flat list of packages to fetch for an
// UpdateCheck: each package's URL is urls[0] joined with the package
// name, and a package missing hash_sha256 falls back to a sibling
// postinstall action's sha256 attribute. The fallback is historical and
// possibly buggy (the action is per-manifest, not per-package) but is
// kept for protocol compatibility and logged when triggered.
func (u *UpdateCheck) ResolvedPackages() ([]ResolvedPackage, error) {
	if u.Manifest == nil {
		return nil, nil
	}
	if len(u.URLs) == 0 {
		return nil, fmt.Errorf("omaha: updatecheck has no urls")
	}
	base := u.URLs[0].CodeBase

	var fallbackSHA256 string
	for _, a := range u.Manifest.Actions {
		if a.Event == ActionPostInstall && a.SHA256 != "" {
			fallbackSHA256 = a.SHA256
			break
		}
	}

	var out []ResolvedPackage
	for _, pkg := range u.Manifest.Packages {
		sha256Str := pkg.HashSHA256
		if sha256Str == "" && fallbackSHA256 != "" {
			plog.Warningf("package %q has no hash_sha256; falling back to postinstall action sha256", pkg.Name)
			sha256Str = fallbackSHA256
		}

		if pkg.HashSHA1 == "" && sha256Str == "" {
			plog.Warningf("discarding package %q: no hash or hash_sha256 present", pkg.Name)
			continue
		}

		rp := ResolvedPackage{
			Size: pkg.Size,
		}

		if pkg.HashSHA1 != "" {
			d, err := digest.FromBase64(digest.SHA1, pkg.HashSHA1)
			if err != nil {
				return nil, fmt.Errorf("omaha: package %q: hash: %w", pkg.Name, err)
			}
			rp.SHA1 = &d
		}
		if sha256Str != "" {
			d, err := digest.FromBase64(digest.SHA256, sha256Str)
			if err != nil {
				return nil, fmt.Errorf("omaha: package %q: hash_sha256: %w", pkg.Name, err)
			}
			rp.SHA256 = &d
		}

		joined, err := joinURL(base, pkg.Name)
		if err != nil {
			return nil, fmt.Errorf("omaha: package %q: %w", pkg.Name, err)
		}
		rp.Name = pkg.Name
		rp.URL = joined

		out = append(out, rp)
	}

	return out, nil
}

// joinURL joins a codebase URL and a package name by plain path
// concatenation honoring the codebase's trailing slash. Reference
// resolution via net/url would discard the codebase's final path segment
// in some edge cases, so a string join keeps the composed URL exact.
func joinURL(base, name string) (string, error) {
	if _, err := url.Parse(base); err != nil {
		return "", fmt.Errorf("invalid codebase URL %q: %w", base, err)
	}
	if strings.HasSuffix(base, "/") {
		return base + name, nil
	}
	return base + "/" + name, nil
}

package omaha

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// DefaultServerURL is the public Flatcar update endpoint used when the
// caller does not configure a server of its own.
const DefaultServerURL = "https://public.update.flatcar-linux.net/v1/update/"

// InstallSource distinguishes user-initiated update checks from scheduled
// background ones.
type InstallSource string

const (
	InstallSourceOnDemand  InstallSource = "ondemandupdate"
	InstallSourceScheduler InstallSource = "scheduler"
)

// Request is the root <request> element sent to the update server.
type Request struct {
	XMLName        xml.Name      `xml:"request"`
	Protocol       string        `xml:"protocol,attr"`
	Version        string        `xml:"version,attr"`
	UpdaterVersion string        `xml:"updaterversion,attr"`
	InstallSource  InstallSource `xml:"installsource,attr"`
	IsMachine      int           `xml:"ismachine,attr"`
	OS             OS            `xml:"os"`
	Apps           []AppRequest  `xml:"app"`
}

// OS is the <os> element.
type OS struct {
	Platform    string `xml:"platform,attr"`
	Version     string `xml:"version,attr"`
	ServicePack string `xml:"sp,attr,omitempty"`
}

// AppRequest is one <app> element sent in a request.
type AppRequest struct {
	ID          string               `xml:"appid,attr"`
	Version     string               `xml:"version,attr"`
	Track       string               `xml:"track,attr,omitempty"`
	BootID      string               `xml:"bootid,attr,omitempty"`
	OEM         string               `xml:"oem,attr,omitempty"`
	OEMVersion  string               `xml:"oemversion,attr,omitempty"`
	MachineID   string               `xml:"machineid,attr,omitempty"`
	UpdateCheck *updateCheckSentinel `xml:"updatecheck"`
}

// updateCheckSentinel marshals as the empty <updatecheck/> child that
// signals the server an update check (not just an event ping) is wanted.
type updateCheckSentinel struct{}

const (
	ProtocolVersion = "3.0"
)

// NewAppRequest builds an AppRequest with a braced-lowercase-hex app UUID,
// matching the Omaha wire convention ("{xxxxxxxx-xxxx-...}").
func NewAppRequest(appID uuid.UUID, version, track, machineID string) AppRequest {
	return AppRequest{
		ID:          braced(appID),
		Version:     version,
		Track:       track,
		MachineID:   machineID,
		UpdateCheck: &updateCheckSentinel{},
	}
}

func braced(id uuid.UUID) string {
	return fmt.Sprintf("{%s}", id.String())
}

// NewRequest builds a Request ready to serialize, with sensible protocol
// defaults filled in. The version and updaterversion attributes both
// carry the updater version string, matching what update_engine sends.
func NewRequest(updaterVersion, osPlatform, osVersion string, source InstallSource, apps ...AppRequest) *Request {
	return &Request{
		Protocol:       ProtocolVersion,
		Version:        updaterVersion,
		UpdaterVersion: updaterVersion,
		InstallSource:  source,
		IsMachine:      1,
		OS: OS{
			Platform: osPlatform,
			Version:  osVersion,
		},
		Apps: apps,
	}
}

// Marshal renders the request as XML suitable for the Omaha request body.
func (r *Request) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("omaha: marshal request: %w", err)
	}
	return buf.Bytes(), nil
}

// Send posts r to the update server at serverURL and parses the XML
// response body.
func Send(client *http.Client, serverURL string, r *Request) (*Response, error) {
	body, err := r.Marshal()
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(serverURL, "text/xml; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("omaha: post %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("omaha: %s: unexpected status %s", serverURL, resp.Status)
	}

	return ParseResponse(resp.Body)
}

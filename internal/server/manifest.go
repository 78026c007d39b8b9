package server

import (
	"encoding/xml"
	"time"
)

// FTHTTPNamespace is the GSMA RCS file-transfer-over-HTTP namespace.
const FTHTTPNamespace = "urn:gsma:params:xml:ns:rcs:rcs:fthttp"

const (
	manifestContentType = "application/octet-stream"
	untilLayout         = "2006-01-02T15:04:05Z"
)

// Manifest describes one stored upload and where to fetch it.
type Manifest struct {
	FileSize int64
	FileName string
	URL      string
	Until    time.Time
}

type fileDoc struct {
	XMLName  xml.Name    `xml:"file"`
	Xmlns    string      `xml:"xmlns,attr"`
	FileInfo fileInfoDoc `xml:"file-info"`
}

type fileInfoDoc struct {
	Type        string  `xml:"type,attr"`
	FileSize    int64   `xml:"file-size"`
	FileName    string  `xml:"file-name"`
	ContentType string  `xml:"content-type"`
	Data        dataDoc `xml:"data"`
}

type dataDoc struct {
	URL   string `xml:"url,attr"`
	Until string `xml:"until,attr"`
}

// NewManifest builds the manifest for a stored file; until is
// now + validity, truncated to whole seconds in UTC.
func NewManifest(f StoredFile, url string, now time.Time, validity time.Duration) Manifest {
	return Manifest{
		FileSize: f.SizeBytes,
		FileName: f.Name,
		URL:      url,
		Until:    now.UTC().Add(validity).Truncate(time.Second),
	}
}

// UntilString renders Until as ISO 8601 UTC with second precision.
func (m Manifest) UntilString() string {
	return m.Until.UTC().Format(untilLayout)
}

// Marshal renders the manifest in the fthttp schema.
func (m Manifest) Marshal() ([]byte, error) {
	return xml.Marshal(fileDoc{
		Xmlns: FTHTTPNamespace,
		FileInfo: fileInfoDoc{
			Type:        "file",
			FileSize:    m.FileSize,
			FileName:    m.FileName,
			ContentType: manifestContentType,
			Data: dataDoc{
				URL:   m.URL,
				Until: m.UntilString(),
			},
		},
	})
}

package usps

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tournevent/labelflow/pkg/shipper"
)

// partHeader matches a multipart boundary line through the part's name
// attribute, so splitting on it leaves only the part bodies.
var partHeader = regexp.MustCompile(`(?ms)^"?--.*?name="[^"]+"\s*$`)

// ParseLabelResponse splits a label response into its JSON metadata and the
// decoded label image.
func ParseLabelResponse(body []byte) (*LabelMetadata, []byte, error) {
	var parts []string
	for _, p := range partHeader.Split(string(body), -1) {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return nil, nil, shipper.NewShipperError(carrierName, shipper.CodeLabelMetadata, "label response has no parts")
	}

	var meta LabelMetadata
	if err := json.Unmarshal([]byte(strings.TrimSpace(parts[0])), &meta); err != nil {
		return nil, nil, shipper.NewShipperError(carrierName, shipper.CodeLabelMetadata, "Unable to parse label metadata").WithCause(err)
	}
	if meta.TrackingNumber == "" {
		return nil, nil, shipper.NewShipperError(carrierName, shipper.CodeLabelMetadata, "label metadata has no tracking number")
	}

	if len(parts) < 2 {
		return nil, nil, shipper.NewShipperError(carrierName, shipper.CodeLabelBinary, "label response has no image part")
	}
	encoded, _, _ := strings.Cut(strings.TrimSpace(parts[1]), "--")
	encoded = strings.Join(strings.Fields(encoded), "")
	label, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(label) == 0 {
		return nil, nil, shipper.NewShipperError(carrierName, shipper.CodeLabelBinary, "Unable to decode label image").WithCause(err)
	}

	return &meta, label, nil
}

package lti

import (
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const poxNamespace = "http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0"

const ContentType = "application/xml"

var ErrMalformedResponse = errors.New("malformed outcome response")

type poxRequest struct {
	XMLName    xml.Name `xml:"imsx_POXEnvelopeRequest"`
	Xmlns      string   `xml:"xmlns,attr"`
	Version    string   `xml:"imsx_POXHeader>imsx_POXRequestHeaderInfo>imsx_version"`
	MessageID  string   `xml:"imsx_POXHeader>imsx_POXRequestHeaderInfo>imsx_messageIdentifier"`
	SourcedID  string   `xml:"imsx_POXBody>replaceResultRequest>resultRecord>sourcedGUID>sourcedId"`
	Language   string   `xml:"imsx_POXBody>replaceResultRequest>resultRecord>result>resultScore>language"`
	TextString string   `xml:"imsx_POXBody>replaceResultRequest>resultRecord>result>resultScore>textString"`
}

// Score normalises a grade into the [0, 1] range outcome services accept.
func Score(grade, pointsPossible float64) float64 {
	if pointsPossible <= 0 || math.IsNaN(grade) {
		return 0
	}
	return math.Max(0, math.Min(1, grade/pointsPossible))
}

// ReplaceResultRequest renders a replaceResult envelope for sourcedID.
func ReplaceResultRequest(messageID, sourcedID string, score float64) ([]byte, error) {
	req := poxRequest{
		Xmlns:      poxNamespace,
		Version:    "V1.0",
		MessageID:  messageID,
		SourcedID:  sourcedID,
		Language:   "en",
		TextString: strconv.FormatFloat(math.Round(score*1e4)/1e4, 'f', -1, 64),
	}

	body, err := xml.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to render outcome request: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

type poxResponse struct {
	XMLName     xml.Name `xml:"imsx_POXEnvelopeResponse"`
	CodeMajor   string   `xml:"imsx_POXHeader>imsx_POXResponseHeaderInfo>imsx_statusInfo>imsx_codeMajor"`
	Description string   `xml:"imsx_POXHeader>imsx_POXResponseHeaderInfo>imsx_statusInfo>imsx_description"`
}

type Status struct {
	CodeMajor   string
	Description string
}

func (s Status) Success() bool {
	return strings.EqualFold(strings.TrimSpace(s.CodeMajor), "success")
}

// ParseResponse extracts the status from a POX response envelope.
func ParseResponse(body []byte) (Status, error) {
	var resp poxResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if strings.TrimSpace(resp.CodeMajor) == "" {
		return Status{}, fmt.Errorf("%w: missing imsx_codeMajor", ErrMalformedResponse)
	}

	return Status{
		CodeMajor:   strings.TrimSpace(resp.CodeMajor),
		Description: strings.TrimSpace(resp.Description),
	}, nil
}

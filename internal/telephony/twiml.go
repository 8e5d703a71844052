package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"sort"
	"strings"
)

// TwiML is a minimal Twilio Markup Language builder.
// It intentionally avoids any provider SDK dependency.
//
// Outbound calls answer into a media stream that the voice agent serves;
// call variables travel as <Parameter> elements.

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// RenderStreamTwiML returns the answer document connecting the call to streamURL.
// Parameters are emitted in key order so the output is stable.
func RenderStreamTwiML(streamURL string, params map[string]string) (string, error) {
	if strings.TrimSpace(streamURL) == "" {
		return "", errors.New("telephony: stream url required")
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r := twimlResponse{Connect: twimlConnect{Stream: twimlStream{URL: streamURL}}}
	for _, k := range keys {
		r.Connect.Stream.Parameters = append(r.Connect.Stream.Parameters, twimlParameter{Name: k, Value: params[k]})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	return buf.String(), nil
}

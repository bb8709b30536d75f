package twilio

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Response is a TwiML document. Verbs are rendered in order.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Say speaks text to the caller.
type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

// Pause waits Length seconds.
type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

// Connect hands the call's media to a bidirectional stream.
type Connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  Stream
}

// Stream is the media stream endpoint of a [Connect].
type Stream struct {
	XMLName    xml.Name    `xml:"Stream"`
	URL        string      `xml:"url,attr"`
	Track      string      `xml:"track,attr,omitempty"`
	Parameters []Parameter `xml:"Parameter"`
}

// Parameter is a custom key/value passed to the stream's start message.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Marshal renders r as an XML document with declaration.
func (r Response) Marshal() ([]byte, error) {
	body, err := xml.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("twilio: marshal twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// ConnectStream returns the TwiML that greets the caller, pauses for a
// second, and then connects the call to the media stream at streamURL.
func ConnectStream(greeting Say, streamURL string, params ...Parameter) Response {
	var verbs []any
	if greeting.Text != "" {
		verbs = append(verbs, greeting)
	}
	verbs = append(verbs,
		Pause{Length: 1},
		Connect{Stream: Stream{URL: streamURL, Track: "both_tracks", Parameters: params}},
	)
	return Response{Verbs: verbs}
}

// InvalidMode returns the TwiML answered for an unknown voice webhook mode.
func InvalidMode() Response {
	return Response{Verbs: []any{Say{Text: "Invalid mode"}}}
}

// StreamURL derives the WebSocket URL of the media stream endpoint from the
// service's public base URL: https becomes wss, http becomes ws, and
// streamPath is joined onto the base path.
func StreamURL(publicURL, streamPath string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(publicURL))
	if err != nil {
		return "", fmt.Errorf("twilio: parse public url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("twilio: public url %q must use http or https", publicURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("twilio: public url %q has no host", publicURL)
	}
	u.Path = path.Join("/", u.Path, streamPath)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

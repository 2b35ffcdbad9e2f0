// Package voice renders the TwiML documents returned to the telephony
// provider on every webhook.
package voice

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// ContentType is the media type of an encoded Response.
const ContentType = "application/xml"

// Verb is one instruction of a TwiML response.
type Verb interface {
	verb()
}

// Response is a complete TwiML document.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []Verb
}

// Add appends verbs to the response and returns it.
func (r *Response) Add(v ...Verb) *Response {
	r.Verbs = append(r.Verbs, v...)
	return r
}

// HasGather reports whether the response waits for more caller input.
func (r *Response) HasGather() bool {
	for _, v := range r.Verbs {
		if _, ok := v.(*Gather); ok {
			return true
		}
	}
	return false
}

// Play streams an audio file to the caller.
type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

// Say speaks text with a synthesized voice.
type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

// Gather collects keypad or speech input and posts it to Action.
type Gather struct {
	XMLName             xml.Name `xml:"Gather"`
	Input               string   `xml:"input,attr"`
	Action              string   `xml:"action,attr"`
	Method              string   `xml:"method,attr,omitempty"`
	Timeout             int      `xml:"timeout,attr,omitempty"`
	NumDigits           int      `xml:"numDigits,attr,omitempty"`
	Hints               string   `xml:"hints,attr,omitempty"`
	Language            string   `xml:"language,attr,omitempty"`
	SpeechModel         string   `xml:"speechModel,attr,omitempty"`
	Enhanced            bool     `xml:"enhanced,attr,omitempty"`
	ActionOnEmptyResult bool     `xml:"actionOnEmptyResult,attr,omitempty"`
}

// Pause waits in silence for Length seconds.
type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

// Redirect hands control of the call to the document at URL.
type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

func (*Play) verb()     {}
func (*Say) verb()      {}
func (*Gather) verb()   {}
func (*Pause) verb()    {}
func (*Redirect) verb() {}
func (*Hangup) verb()   {}

// Encode renders r as an XML document with declaration.
func Encode(r *Response) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("encoding twiml: %w", err)
	}
	return buf.Bytes(), nil
}

// RetryLater pauses briefly and then fetches url again with GET, so a
// webhook that could not be served is retried without dropping the call.
func RetryLater(url string) *Response {
	return (&Response{}).Add(
		&Pause{Length: 1},
		&Redirect{Method: "GET", URL: url},
	)
}

// hangupDocument is served when even encoding fails.
var hangupDocument = []byte(xml.Header + "<Response><Hangup></Hangup></Response>")

// HangupDocument returns a minimal document that ends the call.
func HangupDocument() []byte {
	return hangupDocument
}

package bbb

import "encoding/xml"

// envelope captures just enough of a BBB XML response to tell success
// from failure (spec.md §4.3). Callers that need more unmarshal the same
// bytes again into an action-specific struct after raiseOnError passes.
type envelope struct {
	XMLName    xml.Name `xml:"response"`
	ReturnCode string   `xml:"returncode"`
	MessageKey string   `xml:"messageKey"`
	Message    string   `xml:"message"`
}

func raiseOnError(action string, body []byte) error {
	var env envelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return &Error{Sentinel: ErrUpstreamBadResponse, Action: action, Err: err}
	}
	if env.ReturnCode == "SUCCESS" {
		return nil
	}

	sentinel := ErrUpstreamError
	switch env.MessageKey {
	case "notFound", "notFoundMeetingID":
		sentinel = ErrNotFound
	}

	return &Error{
		Sentinel:   sentinel,
		Action:     action,
		MessageKey: env.MessageKey,
		Message:    env.Message,
	}
}

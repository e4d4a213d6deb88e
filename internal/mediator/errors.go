// envelope writing for the BBB-surface XML responses. Modeled on the
// teacher's internal/api/errors.go writeJSON/writeError family, but
// emitting the BBB XML envelope instead of JSON and defaulting to HTTP
// 200 for protocol-level errors (spec.md §7 — BBB convention reserves
// non-200 for transport-level failures, not application errors).
package mediator

import (
	"encoding/xml"
	"net/http"
)

// Error kinds named in spec.md §7. These are domain names, not a type
// hierarchy — callers pick one per failure and pass it to writeFailure.
const (
	KindChecksumError  = "checksumError"
	KindNotFound       = "notFound"
	KindSizeError      = "sizeError"
	KindInternalError  = "internalError"
	KindNotImplemented = "notImplemented"
	KindClientError    = "clientError"
)

type xmlResponse struct {
	XMLName    xml.Name `xml:"response"`
	ReturnCode string   `xml:"returncode"`
	MessageKey string   `xml:"messageKey,omitempty"`
	Message    string   `xml:"message,omitempty"`
}

func writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, v any) {
	writeXML(w, http.StatusOK, v)
}

// writeFailure writes the BBB FAILED envelope with HTTP 200, per spec.md
// §7 — verification and application failures are BBB-protocol errors, not
// transport errors, so they never set a non-200 status.
func writeFailure(w http.ResponseWriter, kind, message string) {
	writeXML(w, http.StatusOK, xmlResponse{
		ReturnCode: "FAILED",
		MessageKey: kind,
		Message:    message,
	})
}

// writeBBBError surfaces an upstream BBB error verbatim (spec.md §7 —
// "Transport errors from backend bubble up as BBBError(messageKey,
// message) surfaced verbatim").
func writeBBBError(w http.ResponseWriter, messageKey, message string) {
	writeFailure(w, messageKey, message)
}

// decodeXML is a thin wrapper so handlers never import encoding/xml
// directly just to pick a handful of fields out of a backend response.
func decodeXML(body []byte, v any) error {
	return xml.Unmarshal(body, v)
}

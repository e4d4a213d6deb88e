package importer

import (
	"encoding/xml"
	"io"
	"time"
)

// recordingMetadata is the subset of a format directory's metadata.xml this
// importer needs (spec.md §4.9 step 3): the originating meeting's identity
// (including the balancer's own meta_bbblb-uuid, echoed back by the backend
// into every recording it produces) and the recording's timing/participant
// summary.
type recordingMetadata struct {
	XMLName      xml.Name     `xml:"recording"`
	RecordID     string       `xml:"id"`
	StartTime    int64        `xml:"start_time"`
	EndTime      int64        `xml:"end_time"`
	Participants int          `xml:"participants"`
	Meeting      metaMeeting  `xml:"meeting"`
	Meta         metaEntryMap `xml:"meta"`
}

type metaMeeting struct {
	ID         string `xml:"id,attr"`
	ExternalID string `xml:"externalId,attr"`
	Name       string `xml:"name,attr"`
}

// metaEntryMap flattens <meta><meta_bbblb-uuid>...</meta_bbblb-uuid>...</meta>
// into a map, since BBB's metadata.xml stores arbitrary meta_* keys as
// sibling elements rather than attribute/value pairs.
type metaEntryMap map[string]string

func (m *metaEntryMap) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	out := metaEntryMap{}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var value string
			if err := d.DecodeElement(&value, &t); err != nil {
				return err
			}
			out[t.Name.Local] = value
		case xml.EndElement:
			if t.Name == start.Name {
				*m = out
				return nil
			}
		}
	}
}

func parseMetadata(r io.Reader) (*recordingMetadata, error) {
	var meta recordingMetadata
	if err := xml.NewDecoder(r).Decode(&meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (m *recordingMetadata) startedAt() *time.Time {
	return epochMillis(m.StartTime)
}

func (m *recordingMetadata) endedAt() *time.Time {
	return epochMillis(m.EndTime)
}

func epochMillis(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

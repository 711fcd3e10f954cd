// Package nzb reads NZB documents and turns them into job specs.
package nzb

import "encoding/xml"

type Model struct {
	XMLName xml.Name `xml:"nzb"`
	Meta    []Meta   `xml:"head>meta"`
	Files   []File   `xml:"file"`
}

// Meta is one <head><meta type="..."> entry.
type Meta struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type File struct {
	Subject  string    `xml:"subject,attr"`
	Poster   string    `xml:"poster,attr"`
	Date     int64     `xml:"date,attr"`
	Groups   []string  `xml:"groups>group"`
	Segments []Segment `xml:"segments>segment"`
}

type Segment struct {
	XMLName   xml.Name `xml:"segment"`
	Number    int      `xml:"number,attr"`
	Bytes     int64    `xml:"bytes,attr"`
	MessageID string   `xml:",chardata"`
}

// Value returns the first meta value of type typ.
func (m *Model) Value(typ string) string {
	for _, meta := range m.Meta {
		if meta.Type == typ {
			return meta.Value
		}
	}
	return ""
}

package newsnab

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// APIError is the <error code=".." description=".."/> document a Newznab
// API returns instead of a result.
type APIError struct {
	XMLName     xml.Name `xml:"error"`
	Code        int      `xml:"code,attr"`
	Description string   `xml:"description,attr"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("newznab error %d: %s", e.Code, e.Description)
}

// asAPIError reports whether body is an error document instead of an NZB.
func asAPIError(body []byte) (*APIError, bool) {
	head := bytes.TrimSpace(body)
	if len(head) > 512 {
		head = head[:512]
	}
	if !bytes.Contains(head, []byte("<error")) {
		return nil, false
	}
	var e APIError
	if err := xml.Unmarshal(body, &e); err != nil {
		return nil, false
	}
	return &e, true
}

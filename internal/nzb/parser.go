package nzb

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/datallboy/usenetd/internal/domain"
)

// Parse decodes an NZB document. Latin-1 and cp1252 encodings are
// accepted along with UTF-8.
func Parse(r io.Reader) (*Model, error) {
	decoder := xml.NewDecoder(r)
	decoder.Strict = false
	decoder.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		switch strings.ToLower(label) {
		case "utf-8", "us-ascii":
			return input, nil
		case "iso-8859-1", "latin1", "latin-1":
			return charmap.ISO8859_1.NewDecoder().Reader(input), nil
		case "windows-1252", "cp1252":
			return charmap.Windows1252.NewDecoder().Reader(input), nil
		}
		return nil, fmt.Errorf("unsupported charset %q", label)
	}

	var m Model
	if err := decoder.Decode(&m); err != nil {
		return nil, domain.Errorf(domain.KindInvalid, "", "invalid nzb: %v", err)
	}
	if len(m.Files) == 0 {
		return nil, domain.Errorf(domain.KindInvalid, "", "nzb has no files")
	}
	return &m, nil
}

// ParseBytes is Parse over an in-memory document.
func ParseBytes(data []byte) (*Model, error) {
	return Parse(bytes.NewReader(data))
}

// Load reads the NZB at path and converts it to a spec named after the
// file.
func Load(path string) (domain.JobSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.JobSpec{}, err
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return domain.JobSpec{}, err
	}
	return m.Spec(NameFromPath(path)), nil
}

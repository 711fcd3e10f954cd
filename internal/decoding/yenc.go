package decoding

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"strconv"

	"github.com/datallboy/usenetd/internal/domain"
)

// Part is one decoded yEnc article.
type Part struct {
	Name     string
	FileSize int64
	Number   int
	Total    int
	// Begin and End are the 0-based half-open range within the file.
	Begin int64
	End   int64
	Data  []byte

	PartCRC    uint32
	HasPartCRC bool
	FileCRC    uint32
	HasFileCRC bool
	// CRCWarning is set when a mismatch was accepted in non-strict mode.
	CRCWarning bool
}

// Last reports whether the part ends at the end of the file.
func (p *Part) Last() bool { return p.End == p.FileSize }

// Decoder turns NNTP article bodies (already dot-unstuffed) into parts.
type Decoder struct {
	// StrictCRC rejects CRC mismatches; otherwise they set CRCWarning.
	StrictCRC bool
}

func badFraming(format string, args ...any) error {
	return domain.Errorf(domain.KindDecode, domain.CodeBadFraming, format, args...)
}

// Decode parses and decodes one article body.
func (d Decoder) Decode(body []byte) (*Part, error) {
	rest := body
	var line []byte

	// Skip anything before the header; some posters prepend text.
	found := false
	for len(rest) > 0 {
		line, rest = nextLine(rest)
		if bytes.HasPrefix(line, []byte("=ybegin ")) {
			found = true
			break
		}
	}
	if !found {
		return nil, domain.Errorf(domain.KindDecode, domain.CodeUnsupported, "yenc header not found")
	}

	hdr := parseFields(line[len("=ybegin "):])
	p := &Part{Name: hdr.name}
	var err error
	if p.FileSize, err = hdr.num("size"); err != nil {
		return nil, err
	}
	if _, ok := hdr.kv["part"]; ok {
		n, err := hdr.num("part")
		if err != nil {
			return nil, err
		}
		p.Number = int(n)
		if _, ok := hdr.kv["total"]; ok {
			t, err := hdr.num("total")
			if err != nil {
				return nil, err
			}
			p.Total = int(t)
		}

		line, rest = nextLine(rest)
		if !bytes.HasPrefix(line, []byte("=ypart ")) {
			return nil, badFraming("multi-part article without =ypart")
		}
		ph := parseFields(line[len("=ypart "):])
		begin, err := ph.num("begin")
		if err != nil {
			return nil, err
		}
		end, err := ph.num("end")
		if err != nil {
			return nil, err
		}
		if begin < 1 || end < begin || end > p.FileSize {
			return nil, badFraming("part range %d-%d outside file of %d bytes", begin, end, p.FileSize)
		}
		p.Begin, p.End = begin-1, end
	} else {
		p.Number, p.Total = 1, 1
		p.Begin, p.End = 0, p.FileSize
	}

	out := make([]byte, 0, p.End-p.Begin)
	escaped := false
	var trailer []byte
	for len(rest) > 0 {
		line, rest = nextLine(rest)
		if !escaped && bytes.HasPrefix(line, []byte("=yend")) {
			trailer = line
			break
		}
		for _, b := range line {
			if escaped {
				out = append(out, b-64-42)
				escaped = false
				continue
			}
			if b == '=' {
				escaped = true
				continue
			}
			out = append(out, b-42)
		}
	}
	if trailer == nil {
		return nil, badFraming("yenc trailer not found")
	}
	p.Data = out

	tr := parseFields(bytes.TrimPrefix(trailer, []byte("=yend")))
	size, err := tr.num("size")
	if err != nil {
		return nil, err
	}
	if want := p.End - p.Begin; size != want || int64(len(out)) != want {
		return nil, domain.Errorf(domain.KindDecode, domain.CodeSizeMismatch,
			"decoded %d bytes, trailer says %d, range says %d", len(out), size, want)
	}

	sum := crc32.ChecksumIEEE(out)
	if v, ok, err := tr.hex("pcrc32"); err != nil {
		return nil, err
	} else if ok {
		p.PartCRC, p.HasPartCRC = v, true
	}
	if v, ok, err := tr.hex("crc32"); err != nil {
		return nil, err
	} else if ok {
		p.FileCRC, p.HasFileCRC = v, true
	}

	// A single-part article's crc32 covers exactly this data.
	check, checkOK := p.PartCRC, p.HasPartCRC
	whole := p.Begin == 0 && p.Last()
	if !checkOK && whole && p.HasFileCRC {
		check, checkOK = p.FileCRC, true
	}
	if checkOK && check != sum {
		if d.StrictCRC {
			return nil, domain.Errorf(domain.KindDecode, domain.CodeCRCMismatch,
				"part crc %08X, computed %08X", check, sum)
		}
		p.CRCWarning = true
	}
	if !p.HasPartCRC {
		p.PartCRC, p.HasPartCRC = sum, true
	}
	return p, nil
}

// nextLine splits off one line, dropping CR and LF.
func nextLine(b []byte) (line, rest []byte) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		line, rest = b, nil
	} else {
		line, rest = b[:i], b[i+1:]
	}
	return bytes.TrimRight(line, "\r"), rest
}

type fields struct {
	kv   map[string]string
	name string
}

// parseFields reads key=value pairs. name= consumes the rest of the line.
func parseFields(b []byte) fields {
	f := fields{kv: make(map[string]string)}
	for len(b) > 0 {
		b = bytes.TrimLeft(b, " \t")
		if bytes.HasPrefix(b, []byte("name=")) {
			f.name = string(bytes.TrimSpace(b[len("name="):]))
			return f
		}
		end := bytes.IndexAny(b, " \t")
		tok := b
		if end >= 0 {
			tok, b = b[:end], b[end:]
		} else {
			b = nil
		}
		if k, v, ok := bytes.Cut(tok, []byte("=")); ok {
			f.kv[string(k)] = string(v)
		}
	}
	return f
}

func (f fields) num(key string) (int64, error) {
	s, ok := f.kv[key]
	if !ok {
		return 0, badFraming("missing %s", key)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, badFraming("bad %s=%q", key, s)
	}
	return n, nil
}

func (f fields) hex(key string) (uint32, bool, error) {
	s, ok := f.kv[key]
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, false, badFraming("bad %s=%q", key, s)
	}
	return uint32(n), true, nil
}

func (p *Part) String() string {
	return fmt.Sprintf("%s part %d/%d [%d,%d)", p.Name, p.Number, p.Total, p.Begin, p.End)
}

// Package yenctest yEncodes test fixtures.
package yenctest

import (
	"bytes"
	"fmt"
	"hash/crc32"
)

const lineLength = 128

// EncodePart yEncodes data as part number of total, covering bytes
// [begin, begin+len(data)) of a file of fileSize bytes.
func EncodePart(data []byte, name string, number, total int, begin, fileSize int64, fileCRC uint32) []byte {
	var buf bytes.Buffer
	if total > 1 {
		fmt.Fprintf(&buf, "=ybegin part=%d total=%d line=%d size=%d name=%s\r\n", number, total, lineLength, fileSize, name)
		fmt.Fprintf(&buf, "=ypart begin=%d end=%d\r\n", begin+1, begin+int64(len(data)))
	} else {
		fmt.Fprintf(&buf, "=ybegin line=%d size=%d name=%s\r\n", lineLength, fileSize, name)
	}

	col := 0
	for _, b := range data {
		encoded := b + 42
		switch encoded {
		case 0, 9, 10, 13, '=':
			buf.WriteByte('=')
			encoded += 64
			col++
		}
		buf.WriteByte(encoded)
		col++
		if col >= lineLength {
			buf.WriteString("\r\n")
			col = 0
		}
	}
	if col > 0 {
		buf.WriteString("\r\n")
	}

	pcrc := crc32.ChecksumIEEE(data)
	if total > 1 {
		fmt.Fprintf(&buf, "=yend size=%d part=%d pcrc32=%08X", len(data), number, pcrc)
		if begin+int64(len(data)) == fileSize {
			fmt.Fprintf(&buf, " crc32=%08X", fileCRC)
		}
	} else {
		fmt.Fprintf(&buf, "=yend size=%d crc32=%08X", len(data), pcrc)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// EncodeSingle yEncodes data as one whole-file part.
func EncodeSingle(data []byte, name string) []byte {
	return EncodePart(data, name, 1, 1, 0, int64(len(data)), crc32.ChecksumIEEE(data))
}

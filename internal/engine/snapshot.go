package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"github.com/datallboy/usenetd/internal/domain"
)

const (
	snapshotMagic   = "USNQSNAP"
	snapshotVersion = 1
)

// ErrSnapshotCorrupt covers bad magic, unknown versions, truncation and
// checksum failures.
var ErrSnapshotCorrupt = errors.New("queue snapshot corrupt")

// EncodeSnapshot serialises jobs in queue order.
func EncodeSnapshot(jobs []*domain.Job, at time.Time) []byte {
	b := make([]byte, 0, 4096)
	b = append(b, snapshotMagic...)
	b = binary.LittleEndian.AppendUint32(b, snapshotVersion)
	b = binary.LittleEndian.AppendUint64(b, uint64(at.Unix()))

	b = binary.AppendUvarint(b, uint64(len(jobs)))
	for _, j := range jobs {
		b = binary.AppendUvarint(b, j.ID)
		b = appendString(b, j.Name)
		b = appendString(b, j.Category)
		b = append(b, byte(j.Priority), byte(j.PP), boolByte(j.Paused), byte(j.State))
		for _, c := range []uint64{
			j.Counters.ArticlesTotal, j.Counters.ArticlesFetched, j.Counters.ArticlesDecoded,
			j.Counters.ArticlesMissing, j.Counters.ArticlesFailed, j.Counters.BytesOnDisk,
		} {
			b = binary.LittleEndian.AppendUint64(b, c)
		}

		b = appendString(b, j.Script)
		b = appendString(b, j.Password)
		b = binary.AppendVarint(b, j.CreatedAt.Unix())
		b = binary.AppendUvarint(b, uint64(max(j.SizeEstimate, 0)))
		b = append(b, j.RequiredCompleteness)
		b = binary.AppendUvarint(b, uint64(len(j.Errors)))
		for _, e := range j.Errors {
			b = appendString(b, string(e.Kind))
			b = appendString(b, e.Code)
			b = appendString(b, e.Msg)
		}

		b = binary.AppendUvarint(b, uint64(len(j.Files)))
		for _, f := range j.Files {
			b = appendString(b, f.Name)
			b = binary.AppendUvarint(b, uint64(max(f.ExpectedSize, 0)))
			b = binary.LittleEndian.AppendUint32(b, f.CRC32)
			b = append(b, boolByte(f.CRCKnown))
			b = binary.AppendUvarint(b, uint64(len(f.Groups)))
			for _, g := range f.Groups {
				b = appendString(b, g)
			}
			b = binary.AppendUvarint(b, uint64(len(f.Articles)))
			for _, a := range f.Articles {
				b = appendString(b, a.MessageID)
				b = binary.AppendUvarint(b, uint64(max(a.Segment, 0)))
				b = binary.AppendUvarint(b, uint64(max(a.Offset, 0)))
				b = binary.AppendUvarint(b, uint64(max(a.Length, 0)))
				b = append(b, byte(a.Status))
				b = binary.AppendUvarint(b, uint64(max(a.Attempts, 0)))
			}
		}
	}
	return binary.LittleEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
}

// DecodeSnapshot parses data produced by EncodeSnapshot. Articles that
// were assigned or fetched come back pending.
func DecodeSnapshot(data []byte) ([]*domain.Job, time.Time, error) {
	if len(data) < len(snapshotMagic)+4+8+4 {
		return nil, time.Time{}, fmt.Errorf("%w: %d bytes", ErrSnapshotCorrupt, len(data))
	}
	if string(data[:len(snapshotMagic)]) != snapshotMagic {
		return nil, time.Time{}, fmt.Errorf("%w: bad magic", ErrSnapshotCorrupt)
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return nil, time.Time{}, fmt.Errorf("%w: checksum mismatch", ErrSnapshotCorrupt)
	}

	r := &reader{b: body[len(snapshotMagic):]}
	if v := r.u32(); v != snapshotVersion {
		return nil, time.Time{}, fmt.Errorf("%w: unsupported version %d", ErrSnapshotCorrupt, v)
	}
	at := time.Unix(int64(r.u64()), 0)

	n := r.count()
	jobs := make([]*domain.Job, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		j := &domain.Job{}
		j.ID = r.uvarint()
		j.Name = r.str()
		j.Category = r.str()
		j.Priority = domain.Priority(int8(r.u8()))
		j.PP = domain.PPLevel(int8(r.u8()))
		j.Paused = r.u8() != 0
		j.State = domain.JobState(r.u8())
		j.Counters.ArticlesTotal = r.u64()
		j.Counters.ArticlesFetched = r.u64()
		j.Counters.ArticlesDecoded = r.u64()
		j.Counters.ArticlesMissing = r.u64()
		j.Counters.ArticlesFailed = r.u64()
		j.Counters.BytesOnDisk = r.u64()

		j.Script = r.str()
		j.Password = r.str()
		j.CreatedAt = time.Unix(r.varint(), 0)
		j.SizeEstimate = r.i64()
		j.RequiredCompleteness = r.u8()
		for k, ne := 0, r.count(); k < ne && r.err == nil; k++ {
			j.Errors = append(j.Errors, domain.JobError{Kind: domain.Kind(r.str()), Code: r.str(), Msg: r.str()})
		}

		for k, nf := 0, r.count(); k < nf && r.err == nil; k++ {
			f := &domain.File{}
			f.Name = r.str()
			f.ExpectedSize = r.i64()
			f.CRC32 = r.u32()
			f.CRCKnown = r.u8() != 0
			for g, ng := 0, r.count(); g < ng && r.err == nil; g++ {
				f.Groups = append(f.Groups, r.str())
			}
			na := r.count()
			f.Articles = make([]*domain.Article, 0, na)
			for a := 0; a < na && r.err == nil; a++ {
				art := &domain.Article{}
				art.MessageID = r.str()
				art.Segment = int(r.i64())
				art.Offset = r.i64()
				art.Length = r.i64()
				art.Status = domain.ArticleStatus(r.u8())
				art.Attempts = int(r.i64())
				art.Demote()
				f.Articles = append(f.Articles, art)
			}
			j.Files = append(j.Files, f)
		}
		j.Fingerprint = j.ComputeFingerprint()
		j.UpdatedAt = at
		jobs = append(jobs, j)
	}
	if r.err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, r.err)
	}
	if len(r.b) != 0 {
		return nil, time.Time{}, fmt.Errorf("%w: %d trailing bytes", ErrSnapshotCorrupt, len(r.b))
	}
	for _, j := range jobs {
		// Fetched articles were never written; their counters go with them.
		j.Recount()
	}
	return jobs, at, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// reader is a sticky-error cursor over a snapshot body.
type reader struct {
	b   []byte
	err error
}

var errShort = errors.New("unexpected end of data")

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.b) {
		r.err = errShort
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.b)
	if n <= 0 {
		r.err = errors.New("bad uvarint")
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.b)
	if n <= 0 {
		r.err = errors.New("bad varint")
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) i64() int64 {
	v := r.uvarint()
	if v > math.MaxInt64 {
		r.err = errors.New("value out of range")
		return 0
	}
	return int64(v)
}

// count reads a length that must fit in the remaining data.
func (r *reader) count() int {
	v := r.uvarint()
	if v > uint64(len(r.b)) {
		if r.err == nil {
			r.err = errShort
		}
		return 0
	}
	return int(v)
}

func (r *reader) str() string {
	return string(r.take(r.count()))
}

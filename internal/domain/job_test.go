package domain

import (
	"errors"
	"testing"
	"time"
)

func TestTransitionsAreMonotonic(t *testing.T) {
	chain := []JobState{StateQueued, StateFetching, StateVerifying, StateExtracting, StateMoving, StateDone}
	for i, from := range chain {
		for j, to := range chain {
			want := j > i && !from.Terminal()
			if got := CanTransition(from, to); got != want {
				t.Errorf("%s → %s = %v, want %v", from, to, got, want)
			}
		}
		if got := CanTransition(from, StateFailed); got == from.Terminal() {
			t.Errorf("%s → failed = %v", from, got)
		}
	}

	j := &Job{ID: 1, State: StateDone}
	err := j.Transition(StateFetching)
	var de *Error
	if !errors.As(err, &de) || de.Code != CodeStateMismatch {
		t.Fatalf("done job transition err = %v", err)
	}
}

func TestClaimRejectsOverlap(t *testing.T) {
	f := &File{ExpectedSize: 30}
	if !f.Claim(Range{10, 20}) {
		t.Fatal("first claim failed")
	}
	for _, r := range []Range{{10, 20}, {5, 11}, {19, 25}, {12, 13}} {
		if f.Claim(r) {
			t.Errorf("overlapping claim %v accepted", r)
		}
	}
	if !f.Claim(Range{0, 10}) || !f.Claim(Range{20, 30}) {
		t.Fatal("adjacent claims rejected")
	}
	if !f.Covered() {
		t.Fatal("expected full coverage")
	}
	f.Unclaim(Range{0, 10})
	if f.Covered() {
		t.Fatal("coverage after unclaim")
	}
	got := f.Ranges()
	if len(got) != 2 || got[0] != (Range{10, 20}) || got[1] != (Range{20, 30}) {
		t.Fatalf("ranges = %v", got)
	}
}

func TestWrittenCountsDecodedBytesOnly(t *testing.T) {
	f := &File{ExpectedSize: 20}
	f.Claim(Range{0, 10})
	f.Claim(Range{10, 20})
	f.BytesDecoded = 10
	if !f.Covered() || f.Written() {
		t.Fatalf("covered = %v written = %v with one write in flight", f.Covered(), f.Written())
	}
	f.BytesDecoded = 20
	if !f.Written() {
		t.Fatal("not written after both parts")
	}
	if (&File{}).Written() {
		t.Fatal("file of unknown size reported written")
	}
}

func TestBuildFromSpec(t *testing.T) {
	spec := &JobSpec{
		Name:     "Some/Show.S01E01",
		Priority: PriorityPaused,
		Files: []FileSpec{{
			Name:   "show.rar",
			Groups: []string{"alt.binaries.test"},
			Segments: []SegmentSpec{
				{Number: 2, Bytes: 100, MessageID: "b@x"},
				{Number: 1, Bytes: 100, MessageID: "a@x"},
			},
		}},
	}
	if err := spec.Validate(); err != nil {
		t.Fatal(err)
	}
	j := spec.Build(5, PPExtract, 100, time.Unix(0, 0))
	if j.Name != "Show.S01E01" {
		t.Errorf("name = %q", j.Name)
	}
	if !j.Paused || j.Priority != PriorityNormal {
		t.Errorf("paused=%v priority=%v", j.Paused, j.Priority)
	}
	arts := j.Files[0].Articles
	if arts[0].MessageID != "a@x" || arts[1].Offset != 100 {
		t.Errorf("articles not ordered: %+v %+v", arts[0], arts[1])
	}
	if j.Counters.ArticlesTotal != 2 {
		t.Errorf("total = %d", j.Counters.ArticlesTotal)
	}

	reordered := &JobSpec{Name: "other", Files: []FileSpec{{Name: "x", Segments: []SegmentSpec{
		{Number: 1, MessageID: "b@x"}, {Number: 2, MessageID: "a@x"},
	}}}}
	if reordered.Fingerprint() != spec.Fingerprint() {
		t.Error("fingerprint depends on ordering")
	}
}

func TestValidateRejectsEmpty(t *testing.T) {
	for _, spec := range []*JobSpec{
		{},
		{Name: "x"},
		{Name: "x", Files: []FileSpec{{Name: "f"}}},
		{Name: "x", Files: []FileSpec{{Name: "f", Segments: []SegmentSpec{{Number: 1}}}}},
	} {
		if err := spec.Validate(); !errors.Is(err, &Error{Kind: KindInvalid}) {
			t.Errorf("Validate(%+v) = %v", spec, err)
		}
	}
}

func TestRecountAfterRestore(t *testing.T) {
	j := &Job{Files: []*File{{ExpectedSize: 20, Articles: []*Article{
		{Offset: 0, Length: 10, Status: ArticleDecoded},
		{Offset: 10, Length: 10, Status: ArticleMissing},
	}}}}
	j.Recount()
	if j.Counters.ArticlesDecoded != 1 || j.Counters.ArticlesMissing != 1 || j.Counters.BytesOnDisk != 10 {
		t.Fatalf("counters = %+v", j.Counters)
	}
	if j.Files[0].BytesDecoded != 10 {
		t.Fatalf("bytes decoded = %d", j.Files[0].BytesDecoded)
	}
	if j.Completeness() != 50 {
		t.Fatalf("completeness = %v", j.Completeness())
	}
}

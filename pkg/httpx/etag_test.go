package httpx

import (
	"testing"
	"time"
)

func TestTagParsing(t *testing.T) {
	tag := ParseTag(`"1700000000-42"`)
	if tag.Weak || tag.Wildcard || tag.Opaque != "1700000000-42" {
		t.Fatalf("got %+v", tag)
	}
	weak := ParseTag(`W/"abc"`)
	if !weak.Weak || weak.Opaque != "abc" {
		t.Fatalf("got %+v", weak)
	}
	star := ParseTag("*")
	if !star.Wildcard {
		t.Fatalf("got %+v", star)
	}

	list := ParseTagList(`"a", W/"b", *`)
	if len(list) != 3 || !list[1].Weak || !list[2].Wildcard {
		t.Fatalf("got %+v", list)
	}
}

func TestTagComparison(t *testing.T) {
	strong := Tag{Opaque: "x"}
	weak := Tag{Opaque: "x", Weak: true}

	if !strong.StrongMatch(strong) {
		t.Fatalf("strong-strong must match")
	}
	if weak.StrongMatch(strong) || strong.StrongMatch(weak) {
		t.Fatalf("weak tags must fail strong comparison")
	}
	if !weak.WeakMatch(strong) || !strong.WeakMatch(weak) {
		t.Fatalf("weak comparison ignores weakness")
	}
	if !(Tag{Wildcard: true}).StrongMatch(strong) {
		t.Fatalf("wildcard matches everything")
	}
}

func TestFileTagForm(t *testing.T) {
	mtime := time.Unix(1700000000, 0)
	tag := FileTag(mtime, 42)
	if tag.String() != `"1700000000-42"` {
		t.Fatalf("got %s", tag.String())
	}
}

func TestConditionalPrecedence(t *testing.T) {
	mtime := time.Unix(1700000000, 0)
	current := FileTag(mtime, 42)
	old := mtime.Add(-time.Hour)

	tests := []struct {
		name string
		c    Conditionals
		want CondResult
	}{
		{
			name: "no conditionals",
			c:    Conditionals{},
			want: CondProceed,
		},
		{
			name: "if-match hit",
			c:    Conditionals{IfMatch: []Tag{current}},
			want: CondProceed,
		},
		{
			name: "if-match miss",
			c:    Conditionals{IfMatch: []Tag{{Opaque: "other"}}},
			want: CondFailed,
		},
		{
			name: "if-unmodified-since violated",
			c:    Conditionals{IfUnmodifiedSince: old},
			want: CondFailed,
		},
		{
			name: "if-none-match hit is 304 on GET",
			c:    Conditionals{IfNoneMatch: []Tag{current}},
			want: CondNotModified,
		},
		{
			name: "if-none-match wildcard",
			c:    Conditionals{IfNoneMatch: []Tag{{Wildcard: true}}},
			want: CondNotModified,
		},
		{
			name: "if-modified-since not newer",
			c:    Conditionals{IfModifiedSince: mtime},
			want: CondNotModified,
		},
		{
			name: "if-modified-since older than mtime",
			c:    Conditionals{IfModifiedSince: old},
			want: CondProceed,
		},
		{
			// A non-matching If-None-Match makes If-Modified-Since
			// irrelevant even when the date alone would say 304.
			name: "if-none-match miss overrides if-modified-since",
			c: Conditionals{
				IfNoneMatch:     []Tag{{Opaque: "other"}},
				IfModifiedSince: mtime,
			},
			want: CondProceed,
		},
		{
			// And a matching If-None-Match wins over a date that says
			// modified.
			name: "if-none-match hit overrides if-modified-since",
			c: Conditionals{
				IfNoneMatch:     []Tag{current},
				IfModifiedSince: old,
			},
			want: CondNotModified,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Evaluate(current, mtime, true); got != tt.want {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestConditionalNonGet(t *testing.T) {
	current := Tag{Opaque: "x"}
	c := Conditionals{IfNoneMatch: []Tag{current}}
	if got := c.Evaluate(current, time.Now(), false); got != CondFailed {
		t.Fatalf("if-none-match on state-changing method must 412, got %v", got)
	}
}

func TestRangeApplies(t *testing.T) {
	mtime := time.Unix(1700000000, 0)
	current := FileTag(mtime, 42)

	c := Conditionals{}
	if !c.RangeApplies(current, mtime) {
		t.Fatalf("no If-Range must allow ranges")
	}

	match := current
	c = Conditionals{IfRange: &match}
	if !c.RangeApplies(current, mtime) {
		t.Fatalf("matching If-Range must allow ranges")
	}

	other := Tag{Opaque: "other"}
	c = Conditionals{IfRange: &other}
	if c.RangeApplies(current, mtime) {
		t.Fatalf("mismatched If-Range must disable ranges")
	}

	c = Conditionals{IfRangeDate: mtime}
	if !c.RangeApplies(current, mtime) {
		t.Fatalf("date validator equal to mtime must allow ranges")
	}
	c = Conditionals{IfRangeDate: mtime.Add(-time.Hour)}
	if c.RangeApplies(current, mtime) {
		t.Fatalf("stale date validator must disable ranges")
	}
}

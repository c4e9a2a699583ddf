package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"threadlink/api/internal/collect"
	"threadlink/api/internal/normalize"
)

func TestRenderComment(t *testing.T) {
	u := normalize.Unit{
		SourceMessageID: "1714660200.000200",
		AuthorDisplay:   "bob",
		BodyMarkup:      "looks like a *flaky* test",
		PostedAt:        time.Date(2024, 5, 2, 16, 30, 0, 0, time.FixedZone("CEST", 2*3600)),
		Permalink:       "https://team.slack.com/archives/C1/p1714660200000200",
		Attachments: []normalize.UnitAttachment{
			{FileName: "F1log.txt", ContentRef: "F1"},
		},
	}

	want := "----\n??[~bob]?? [{{2024-05-02 14:30:00}}|https://team.slack.com/archives/C1/p1714660200000200]\n\n" +
		"looks like a *flaky* test\n[^F1log.txt]"
	assert.Equal(t, want, renderComment(u))
	assert.Equal(t, want, renderComment(u))
}

func TestRenderCommentWithoutPermalink(t *testing.T) {
	u := normalize.Unit{AuthorDisplay: "bob", BodyMarkup: "hi", PostedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "----\n??[~bob]?? {{2024-01-01 00:00:00}}\n\nhi", renderComment(u))
}

func TestRenderDescription(t *testing.T) {
	root := normalize.Unit{
		BodyMarkup: "the build is red",
		Permalink:  "https://team.slack.com/archives/C1/p1",
		Attachments: []normalize.UnitAttachment{
			{FileName: "F2gone.png", Unavailable: true},
		},
	}
	assert.Equal(t,
		"the build is red\n\nF2gone.png (attachment unavailable)\n\n[Original thread|https://team.slack.com/archives/C1/p1]",
		renderDescription(root))
	assert.Empty(t, trackerAttachments(root))
}

func TestSummarize(t *testing.T) {
	long := strings.Repeat("é", 300)
	snap := collect.Snapshot{ThreadID: "C1:1", Units: []normalize.Unit{{Headline: long}}}
	assert.Equal(t, strings.Repeat("é", maxSummaryRunes), summarize(snap))

	snap.Units[0].Headline = "  "
	assert.Equal(t, "Thread C1:1", summarize(snap))
}

func TestValidIssueKey(t *testing.T) {
	assert.True(t, ValidIssueKey("PROJ-101"))
	assert.True(t, ValidIssueKey("AB_2-7"))
	assert.False(t, ValidIssueKey("PROJ-01"))
	assert.False(t, ValidIssueKey("proj-1"))
	assert.False(t, ValidIssueKey("PROJ-1 "))
}

package queue

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
)

const stubPrompt = `Intro text that is ignored.

:::task-stub{title="Add login form"}
Build the login form with email and password fields.
:::

:::task-stub{title="Wire session cookie"}
Store the session cookie after login.
:::
`

var sectionedPrompt = strings.Join([]string{
	"# Setup\nInstall the toolchain and make sure the project builds cleanly.",
	"## Models\nAdd the queue item model with all of its optional fields.",
	"## Storage\nPersist queue items in SQLite and expose CRUD helpers for them.",
	"## API\nServe the queue over HTTP with JSON handlers and request validation.",
	"tiny",
}, "\n\n")

func TestExtractTaskStubs(t *testing.T) {
	got := ExtractTaskStubs(stubPrompt)
	assert.Equal(t, []Part{
		{Title: "Add login form", Content: "Build the login form with email and password fields."},
		{Title: "Wire session cookie", Content: "Store the session cookie after login."},
	}, got)
	assert.Empty(t, ExtractTaskStubs("no stubs here"))
}

func TestBreakIntoParagraphs(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "headings and blank lines", text: sectionedPrompt, want: 4},
		{name: "heading without blank line", text: "first section that is long enough to be kept as a part\n# Second\nsecond section body long enough to be kept as well", want: 2},
		{name: "short sections dropped", text: "a\n\nb\n\nc", want: 0},
		{name: "empty", text: "", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, BreakIntoParagraphs(tt.text), tt.want)
		})
	}
}

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		strategy SplitStrategy
		parts    int
	}{
		{name: "task stubs", text: stubPrompt, strategy: StrategyTaskStubs, parts: 2},
		{name: "sections", text: sectionedPrompt, strategy: StrategyParagraphs, parts: 4},
		{name: "single stub falls back", text: `:::task-stub{title="Only"}
just one
:::`, strategy: StrategyNone},
		{name: "short prompt", text: "Fix the build", strategy: StrategyNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Analyze(tt.text)
			assert.Equal(t, tt.strategy, got.Strategy)
			assert.Len(t, got.Parts, tt.parts)
			assert.Len(t, got.Subtasks, tt.parts)
			assert.NotEmpty(t, got.Recommendation)
		})
	}
}

func TestBuildSubtasks_TitleHeaders(t *testing.T) {
	got := BuildSubtasks([]Part{
		{Title: "Add login form", Content: "body one"},
		{Title: "Part 2", Content: "body two"},
		{Content: "body three"},
	})
	assert.Equal(t, []db.Subtask{
		{FullContent: "**Task:** Add login form\n\nbody one"},
		{FullContent: "body two"},
		{FullContent: "body three"},
	}, got)
}

func TestValidateParts(t *testing.T) {
	many := make([]Part, 21)
	for i := range many {
		many[i] = Part{Content: "work"}
	}
	tests := []struct {
		name     string
		parts    []Part
		wantErr  bool
		warnings int
	}{
		{name: "ok", parts: []Part{{Content: "a"}, {Content: "b"}}},
		{name: "none", parts: nil, wantErr: true},
		{name: "empty part", parts: []Part{{Content: "a"}, {Content: " \n"}}, wantErr: true},
		{name: "many parts", parts: many, warnings: 1},
		{name: "large part", parts: []Part{{Content: strings.Repeat("x", 10001)}}, warnings: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			warnings, err := ValidateParts(tt.parts)
			if tt.wantErr {
				assert.ErrorIs(t, err, db.ErrInvalidItem)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, warnings, tt.warnings)
		})
	}
}

func TestSplit(t *testing.T) {
	svc, database := newTestService(t)
	ctx := context.Background()
	item := addSingle(t, svc, stubPrompt)

	got, analysis, err := svc.Split(ctx, testUser, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StrategyTaskStubs, analysis.Strategy)
	assert.Equal(t, db.ItemTypeSubtasks, got.Type)
	assert.Nil(t, got.Prompt)
	require.Len(t, got.Remaining, 2)
	assert.True(t, strings.HasPrefix(got.Remaining[0].FullContent, "**Task:** Add login form\n\n"))
	require.NotNil(t, got.TotalCount)
	assert.Equal(t, 2, *got.TotalCount)

	_, _, err = svc.Split(ctx, testUser, item.ID)
	assert.ErrorIs(t, err, ErrWrongType)

	plain := addSingle(t, svc, "Fix the build")
	_, analysis, err = svc.Split(ctx, testUser, plain.ID)
	assert.ErrorIs(t, err, ErrNothingToSplit)
	assert.Equal(t, StrategyNone, analysis.Strategy)

	busy := addSingle(t, svc, sectionedPrompt)
	markInProgress(t, database, busy.ID)
	_, _, err = svc.Split(ctx, testUser, busy.ID)
	assert.ErrorIs(t, err, db.ErrItemBusy)
}

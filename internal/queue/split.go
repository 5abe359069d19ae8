package queue

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
)

// SplitStrategy names how a prompt was broken into subtasks
type SplitStrategy string

const (
	StrategyTaskStubs  SplitStrategy = "task-stubs"
	StrategyParagraphs SplitStrategy = "paragraph-based"
	StrategyNone       SplitStrategy = "none"
)

const (
	minSectionLength  = 50
	minParagraphParts = 4
	manySubtasks      = 20
	largeSubtask      = 10000
)

// ErrNothingToSplit means the prompt has no structure worth splitting on
var ErrNothingToSplit = errors.New("prompt has no task blocks or sections to split on")

var taskStubPattern = regexp.MustCompile(`(?s):::task-stub\{title="([^"]+)"\}\s*(.*?):::`)

// Part is one proposed subtask before it is queued
type Part struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Analysis is the proposed split of a prompt
type Analysis struct {
	Strategy       SplitStrategy `json:"strategy"`
	Parts          []Part        `json:"parts"`
	Subtasks       []db.Subtask  `json:"subtasks"`
	Recommendation string        `json:"recommendation"`
	Warnings       []string      `json:"warnings,omitempty"`
}

// ExtractTaskStubs returns the :::task-stub{title="..."} ... ::: blocks in text
func ExtractTaskStubs(text string) []Part {
	var parts []Part
	for _, m := range taskStubPattern.FindAllStringSubmatch(text, -1) {
		parts = append(parts, Part{Title: m[1], Content: strings.TrimSpace(m[2])})
	}
	return parts
}

// BreakIntoParagraphs splits text on blank lines and headings. A heading
// starts the next section; sections of 50 characters or fewer are dropped.
func BreakIntoParagraphs(text string) []Part {
	var parts []Part
	var current []string
	flush := func() {
		section := strings.TrimSpace(strings.Join(current, "\n"))
		if utf8.RuneCountInString(section) > minSectionLength {
			parts = append(parts, Part{Content: section})
		}
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				flush()
			}
			continue
		}
		if strings.HasPrefix(line, "#") && len(current) > 0 {
			flush()
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		flush()
	}
	return parts
}

// Analyze picks a split for text: task-stub blocks when there are several,
// otherwise paragraphs when there are more than three, otherwise none.
func Analyze(text string) Analysis {
	if stubs := ExtractTaskStubs(text); len(stubs) > 1 {
		return newAnalysis(StrategyTaskStubs, stubs,
			fmt.Sprintf("Detected %d task blocks. These are ideal for sequential submission.", len(stubs)))
	}

	if paragraphs := BreakIntoParagraphs(text); len(paragraphs) >= minParagraphParts {
		for i := range paragraphs {
			paragraphs[i].Title = partTitle(i)
		}
		return newAnalysis(StrategyParagraphs, paragraphs,
			fmt.Sprintf("Detected %d logical sections. You can merge or split them as needed.", len(paragraphs)))
	}

	return Analysis{
		Strategy:       StrategyNone,
		Parts:          []Part{},
		Subtasks:       []db.Subtask{},
		Recommendation: "Prompt is relatively short or unstructured. Consider sending it as-is or splitting it by hand.",
	}
}

func newAnalysis(strategy SplitStrategy, parts []Part, recommendation string) Analysis {
	warnings, _ := ValidateParts(parts)
	return Analysis{
		Strategy:       strategy,
		Parts:          parts,
		Subtasks:       BuildSubtasks(parts),
		Recommendation: recommendation,
		Warnings:       warnings,
	}
}

func partTitle(i int) string {
	return fmt.Sprintf("Part %d", i+1)
}

// BuildSubtasks turns parts into queueable subtasks. A part with a real title
// gets a **Task:** header; generated "Part N" titles are left out.
func BuildSubtasks(parts []Part) []db.Subtask {
	subtasks := make([]db.Subtask, len(parts))
	for i, p := range parts {
		content := p.Content
		if p.Title != "" && p.Title != partTitle(i) {
			content = "**Task:** " + p.Title + "\n\n" + content
		}
		subtasks[i] = db.Subtask{FullContent: content}
	}
	return subtasks
}

// ValidateParts rejects an empty split or empty parts and warns about
// splits that will be slow or parts that are very large.
func ValidateParts(parts []Part) ([]string, error) {
	var warnings []string
	var problems []string

	if len(parts) == 0 {
		problems = append(problems, "no subtasks selected")
	}
	if len(parts) > manySubtasks {
		warnings = append(warnings, fmt.Sprintf("Many subtasks (%d+) may take a long time to process", manySubtasks))
	}
	for i, p := range parts {
		if strings.TrimSpace(p.Content) == "" {
			problems = append(problems, fmt.Sprintf("subtask %d is empty", i+1))
		}
		if n := utf8.RuneCountInString(p.Content); n > largeSubtask {
			warnings = append(warnings, fmt.Sprintf("Subtask %d is very large (%d chars)", i+1, n))
		}
	}

	if len(problems) > 0 {
		return warnings, fmt.Errorf("%w: %s", db.ErrInvalidItem, strings.Join(problems, "; "))
	}
	return warnings, nil
}

// Split converts a single item into a batch using Analyze
func (s *Service) Split(ctx context.Context, userID, id string) (*db.QueueItem, Analysis, error) {
	item, err := s.getIdle(ctx, userID, id)
	if err != nil {
		return nil, Analysis{}, err
	}
	if item.Type != db.ItemTypeSingle || item.Prompt == nil {
		return nil, Analysis{}, fmt.Errorf("%w: expected single", ErrWrongType)
	}

	analysis := Analyze(*item.Prompt)
	if analysis.Strategy == StrategyNone {
		return nil, analysis, ErrNothingToSplit
	}
	if _, err := ValidateParts(analysis.Parts); err != nil {
		return nil, analysis, err
	}

	err = s.store.UpdateIdleItemIfUnchanged(ctx, userID, id, item.UpdatedAt, db.Patch{
		db.FieldType:       db.ItemTypeSubtasks,
		db.FieldRemaining:  analysis.Subtasks,
		db.FieldTotalCount: len(analysis.Subtasks),
		db.FieldPrompt:     db.Delete,
		db.FieldUpdatedAt:  s.now(),
	})
	if err != nil {
		return nil, analysis, err
	}
	s.logger.Info("queue item split", "user_id", userID, "item_id", id,
		"strategy", analysis.Strategy, "subtasks", len(analysis.Subtasks))
	updated, err := s.reload(ctx, userID, id)
	return updated, analysis, err
}

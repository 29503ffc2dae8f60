// Package digest implements capability C9: group classified tweets by
// topic, summarize each group with the Oracle, and render the result
// as a mobile-friendly HTML digest with a plain-text alternate. The
// per-category scan-and-summarize shape is grounded on the teacher's
// internal/summarizer.Worker scan loop, adapted from a periodic
// session-metadata sweep to a single-pass per-run grouping.
package digest

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/yuin/goldmark"

	"github.com/nugget/contentdigest/internal/classifier"
	"github.com/nugget/contentdigest/internal/fetcher"
	"github.com/nugget/contentdigest/internal/oracle"
	"github.com/nugget/contentdigest/internal/taxonomy"
)

// DefaultKPerCategory is the representative-tweet cap per category.
const DefaultKPerCategory = 8

// SummaryTemperature is the sampling temperature used for category
// narrative summarization, per spec.md §4.9 step 3.
const SummaryTemperature = 0.4

// PlaceholderSummary is substituted when a category's summarization
// fails even after the Oracle's internal retries.
const PlaceholderSummary = "(summary unavailable)"

// placeholderTopN is how many raw tweet texts back a placeholder
// summary, per spec.md §4.9's failure semantics.
const placeholderTopN = 3

// UnsubscribeURLPlaceholder marks where a per-recipient unsubscribe
// link belongs in the rendered digest body. The digest is rendered
// once and distributed to every subscriber, so the real link cannot be
// baked in at render time; the Distribution Controller substitutes
// this marker with each subscriber's own link immediately before
// sending.
const UnsubscribeURLPlaceholder = "{{UNSUBSCRIBE_URL}}"

// TweetRef is the denormalized tweet view embedded in a Category,
// matching spec.md §6's on-disk digest.json schema.
type TweetRef struct {
	TweetID string `json:"tweet_id"`
	Author  string `json:"author"`
	Text    string `json:"text"`
	URL     string `json:"url"`
}

// Category is one grouped, summarized topic section of a Digest.
type Category struct {
	L1      string     `json:"l1"`
	Summary string     `json:"summary"`
	Tweets  []TweetRef `json:"tweets"`
}

// GenerationMetadata records how and when a Digest was produced.
type GenerationMetadata struct {
	GeneratedAt       time.Time `json:"generated_at"`
	RunID             string    `json:"run_id"`
	ClassifierVersion string    `json:"classifier_version"`
}

// Digest mirrors spec.md §6's digest.json on-disk schema.
type Digest struct {
	GenerationMetadata GenerationMetadata `json:"generation_metadata"`
	Categories         []Category         `json:"categories"`
}

// Classified pairs a Tweet with the ClassificationRecord produced for
// it, the Assembler's sole input alongside the week window.
type Classified struct {
	Tweet  fetcher.Tweet
	Record classifier.ClassificationRecord
}

// Assembler groups classified tweets by topic, summarizes each group,
// and renders the final digest body.
type Assembler struct {
	oracle        *oracle.Oracle
	kPerCategory  int
	manageURL     string // link embedded as the footer QR code target
}

// New constructs an Assembler. manageURL is the subscription-management
// link encoded into the digest footer's QR code.
func New(orc *oracle.Oracle, manageURL string) *Assembler {
	return &Assembler{oracle: orc, kPerCategory: DefaultKPerCategory, manageURL: manageURL}
}

// Assemble runs the full C9 algorithm: group by L1 (dropping
// Uncertain), cap and rank each group, summarize, and order categories
// by the taxonomy's fixed presentation order.
func (a *Assembler) Assemble(ctx context.Context, runID, classifierVersion string, items []Classified) Digest {
	groups := groupByL1(items)

	order := taxonomy.PresentationOrder()
	categories := make([]Category, 0, len(groups))
	for _, l1 := range order {
		members, ok := groups[l1]
		if !ok {
			continue
		}
		categories = append(categories, a.buildCategory(ctx, l1, members))
	}

	return Digest{
		GenerationMetadata: GenerationMetadata{
			GeneratedAt:       time.Now().UTC(),
			RunID:             runID,
			ClassifierVersion: classifierVersion,
		},
		Categories: categories,
	}
}

// groupByL1 buckets classified tweets by their L1 label, dropping any
// record classified (or defaulted) to Uncertain.
func groupByL1(items []Classified) map[string][]Classified {
	groups := make(map[string][]Classified)
	for _, it := range items {
		if it.Record.L1 == "" || it.Record.L1 == taxonomy.Uncertain {
			continue
		}
		groups[it.Record.L1] = append(groups[it.Record.L1], it)
	}
	return groups
}

// buildCategory ranks a group's members by engagement, caps it to
// kPerCategory, and summarizes it via the Oracle.
func (a *Assembler) buildCategory(ctx context.Context, l1 string, members []Classified) Category {
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].Tweet.Engagement.Rank() > members[j].Tweet.Engagement.Rank()
	})

	k := a.kPerCategory
	if k <= 0 {
		k = DefaultKPerCategory
	}
	if len(members) > k {
		members = members[:k]
	}

	refs := make([]TweetRef, len(members))
	for i, m := range members {
		refs[i] = TweetRef{
			TweetID: m.Tweet.ID,
			Author:  m.Tweet.Author.Handle,
			Text:    m.Tweet.Text,
			URL:     m.Tweet.URL(),
		}
	}

	summary := a.summarize(ctx, l1, members)

	return Category{L1: l1, Summary: summary, Tweets: refs}
}

// summarize calls the Oracle to produce a category-scoped narrative
// summary. A failure falls back to a placeholder plus the top-N raw
// tweet texts, per spec.md §4.9's failure semantics — the run is never
// aborted by a single category's summarization failure.
func (a *Assembler) summarize(ctx context.Context, l1 string, members []Classified) string {
	prompt := summarizePrompt(l1, members)
	text, err := a.oracle.Generate(ctx, prompt, oracle.Options{Temperature: SummaryTemperature})
	if err == nil && strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}

	n := placeholderTopN
	if len(members) < n {
		n = len(members)
	}
	var sb strings.Builder
	sb.WriteString(PlaceholderSummary)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "\n- %s", members[i].Tweet.Text)
	}
	return sb.String()
}

// summarizePrompt builds the LLM prompt for one category's narrative
// summary. Summarization is category-scoped: no cross-category
// context is included, per spec.md §4.9 step 3.
func summarizePrompt(l1 string, members []Classified) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a 2-4 sentence narrative summary of this week's tweets in the %q category.\n\n", l1)
	sb.WriteString("Tweets:\n")
	for _, m := range members {
		fmt.Fprintf(&sb, "- @%s: %s\n", m.Tweet.Author.Handle, m.Tweet.Text)
	}
	sb.WriteString("\nRespond with the summary prose only, no preamble and no markdown headers.")
	return sb.String()
}

// RenderMarkdown builds the digest's markdown source: a header with
// the week window, then one section per category in presentation
// order, per spec.md §4.9 step 4.
func RenderMarkdown(d Digest, weekStart, weekEnd time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Weekly Digest: %s – %s\n\n", weekStart.Format("Jan 2"), weekEnd.Format("Jan 2, 2006"))

	if len(d.Categories) == 0 {
		sb.WriteString("No categorized tweets this week.\n\n")
		fmt.Fprintf(&sb, "---\n\n[Unsubscribe](%s)\n", UnsubscribeURLPlaceholder)
		return sb.String()
	}

	for _, c := range d.Categories {
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", c.L1, c.Summary)
		for _, t := range c.Tweets {
			fmt.Fprintf(&sb, "- [@%s](%s): %s\n", t.Author, t.URL, t.Text)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "---\n\n[Unsubscribe](%s)\n", UnsubscribeURLPlaceholder)

	return sb.String()
}

// RenderHTML converts the digest markdown to a self-contained HTML
// document and, when manageURL is configured, embeds a scannable
// "manage your subscription" QR code in the footer. Rendering is a
// pure function of the markdown source, per spec.md §8 property 8.
func (a *Assembler) RenderHTML(markdown string) (string, error) {
	var body bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &body); err != nil {
		return "", fmt.Errorf("digest: render markdown: %w", err)
	}

	footer := ""
	if a.manageURL != "" {
		png, err := qrcode.Encode(a.manageURL, qrcode.Medium, 160)
		if err != nil {
			return "", fmt.Errorf("digest: encode qr code: %w", err)
		}
		footer = fmt.Sprintf(
			`<hr><p style="text-align:center;font-size:12px;color:#666;">`+
				`<img src="data:image/png;base64,%s" width="120" height="120" alt="manage subscription"><br>`+
				`Scan to manage your subscription: <a href="%s">%s</a></p>`,
			base64.StdEncoding.EncodeToString(png), a.manageURL, a.manageURL,
		)
	}

	html := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"></head>
<body style="font-family: -apple-system, sans-serif; font-size: 16px; line-height: 1.5; max-width: 600px; margin: 0 auto; padding: 16px;">
%s
%s
</body></html>`, body.String(), footer)

	return html, nil
}

// RenderPlainText strips markdown formatting down to a readable plain
// text alternate, mirroring the stripping idiom in
// internal/email.markdownToPlain (unexported there, re-derived here
// since digest has no dependency on the email package).
func RenderPlainText(markdown string) string {
	s := mdCodeBlock.ReplaceAllString(markdown, "$1")
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdCodeBlock  = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
)

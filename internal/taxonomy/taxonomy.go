// Package taxonomy holds the fixed two-level topic taxonomy used to
// classify tweets, and builds/parses the LLM prompts that exercise it.
// It is loaded once at process start and never mutated — the same
// immutable-after-init idiom the teacher repo uses for its persona and
// talent registries.
package taxonomy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Uncertain is the sentinel L1 label used when classification
// confidence falls below the configured floor, or when the model
// returns a label outside the allowed set.
const Uncertain = "Uncertain"

// Other is the sentinel L2 label used when the model returns a
// sub-theme outside the chosen L1's allowed set.
const Other = "Other"

// Theme is a single taxonomy entry: a label and the description shown
// to the LLM in classification prompts.
type Theme struct {
	Label       string
	Description string
}

// l1 is the fixed 12-item top-level theme set, in presentation order.
// Digest categories are emitted in this order.
var l1 = []Theme{
	{"Breakthrough Research", "Novel research results, papers, or technical breakthroughs."},
	{"Product Launches", "New product, feature, or service announcements."},
	{"Industry News", "Company news, funding, acquisitions, partnerships, and market moves."},
	{"Tools and Resources", "Libraries, frameworks, datasets, tutorials, and practical how-tos."},
	{"Opinion and Analysis", "Commentary, predictions, and analysis pieces."},
	{"Policy and Ethics", "Regulation, governance, safety, and ethical debate."},
	{"Open Source", "Open-source project releases, contributions, and ecosystem news."},
	{"Events and Talks", "Conferences, workshops, talks, and recorded presentations."},
	{"Career and Community", "Hiring, community organizing, mentorship, and career advice."},
	{"Infrastructure", "Compute, hardware, deployment, and systems engineering."},
	{"Applications", "Domain-specific applications: healthcare, finance, robotics, and similar."},
	{"Humor and Culture", "Memes, lighthearted takes, and community culture."},
}

// l2 maps each L1 label to its fixed sub-theme set.
var l2 = map[string][]Theme{
	"Breakthrough Research": {
		{"Architecture Innovations", "New model architectures or training techniques."},
		{"Benchmarks and Evaluation", "New benchmarks or evaluation methodology."},
		{"Theoretical Advances", "Theoretical or mathematical results."},
	},
	"Product Launches": {
		{"Consumer Products", "Launches aimed at end users."},
		{"Developer Tools", "Launches aimed at developers and builders."},
		{"Enterprise Products", "Launches aimed at enterprise customers."},
	},
	"Industry News": {
		{"Funding and Investment", "Funding rounds and investment news."},
		{"Mergers and Acquisitions", "Acquisitions, mergers, and consolidation."},
		{"Partnerships", "Strategic partnerships and integrations."},
		{"Leadership Changes", "Executive or leadership moves."},
	},
	"Tools and Resources": {
		{"Libraries and Frameworks", "Software libraries and frameworks."},
		{"Datasets", "New or updated datasets."},
		{"Tutorials and Guides", "How-tos, guides, and educational resources."},
	},
	"Opinion and Analysis": {
		{"Predictions", "Forward-looking predictions and speculation."},
		{"Critique", "Critical analysis of claims, products, or research."},
	},
	"Policy and Ethics": {
		{"Regulation", "Government or regulatory action."},
		{"Safety", "Safety research and advocacy."},
		{"Bias and Fairness", "Fairness, bias, and representation concerns."},
	},
	"Open Source": {
		{"Releases", "New open-source releases or versions."},
		{"Community Contributions", "Notable contributions or maintainer activity."},
	},
	"Events and Talks": {
		{"Conferences", "Conference announcements or recaps."},
		{"Recorded Talks", "Talks or presentations made available online."},
	},
	"Career and Community": {
		{"Hiring", "Job postings and hiring announcements."},
		{"Mentorship", "Mentorship and community-building efforts."},
	},
	"Infrastructure": {
		{"Compute and Hardware", "Chips, accelerators, and compute infrastructure."},
		{"Deployment and MLOps", "Deployment, serving, and operational tooling."},
	},
	"Applications": {
		{"Healthcare", "Applications in healthcare and life sciences."},
		{"Finance", "Applications in finance."},
		{"Robotics", "Applications in robotics and autonomous systems."},
	},
	"Humor and Culture": {
		{"Memes", "Memes and lighthearted commentary."},
		{"Community Culture", "Community traditions, in-jokes, and culture."},
	},
}

// L1Themes returns the fixed top-level theme set in presentation order.
func L1Themes() []Theme {
	out := make([]Theme, len(l1))
	copy(out, l1)
	return out
}

// L2Themes returns the sub-theme set restricted to the given L1 label.
// An unrecognized L1 label yields an empty slice.
func L2Themes(l1Label string) []Theme {
	themes := l2[l1Label]
	out := make([]Theme, len(themes))
	copy(out, themes)
	return out
}

// IsL1 reports whether label is a member of the fixed L1 set.
func IsL1(label string) bool {
	for _, t := range l1 {
		if t.Label == label {
			return true
		}
	}
	return false
}

// IsL2 reports whether label is a valid sub-theme of l1Label.
func IsL2(l1Label, label string) bool {
	for _, t := range l2[l1Label] {
		if t.Label == label {
			return true
		}
	}
	return false
}

// PresentationOrder returns the L1 labels in fixed digest presentation
// order, for the Digest Assembler (C9) to group categories by.
func PresentationOrder() []string {
	out := make([]string, len(l1))
	for i, t := range l1 {
		out[i] = t.Label
	}
	return out
}

// BuildL1Prompt builds the classification prompt for the first call of
// the two-call protocol: choose exactly one L1 theme.
func BuildL1Prompt(tweetText string) string {
	var sb strings.Builder
	sb.WriteString("Classify the following tweet into exactly one top-level theme.\n\n")
	sb.WriteString("Themes:\n")
	for _, t := range l1 {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Label, t.Description)
	}
	sb.WriteString("\nTweet:\n")
	sb.WriteString(tweetText)
	sb.WriteString("\n\nRespond with JSON only, matching exactly this schema:\n")
	sb.WriteString(`{"level1": "<one theme label>", "confidence": <number 0-1>}`)
	return sb.String()
}

// BuildL2Prompt builds the classification prompt for the second call:
// choose zero or more sub-themes restricted to the given L1.
func BuildL2Prompt(tweetText, l1Label string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The following tweet has been classified under the top-level theme %q.\n", l1Label)
	sb.WriteString("Choose zero or more applicable sub-themes from this list:\n")
	for _, t := range l2[l1Label] {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Label, t.Description)
	}
	sb.WriteString("\nTweet:\n")
	sb.WriteString(tweetText)
	sb.WriteString("\n\nRespond with JSON only, matching exactly this schema:\n")
	sb.WriteString(`{"level2": ["<sub-theme label>", ...], "confidence": <number 0-1>}`)
	return sb.String()
}

// ConfidenceFloor is the L1 confidence threshold below which a
// classification is downgraded to Uncertain and Call-2 is skipped.
const ConfidenceFloor = 0.3

// l1Reply is the expected wire shape of a Call-1 response.
type l1Reply struct {
	Level1     string  `json:"level1"`
	Confidence float64 `json:"confidence"`
}

// l2Reply is the expected wire shape of a Call-2 response.
type l2Reply struct {
	Level2     []string `json:"level2"`
	Confidence float64  `json:"confidence"`
}

// jsonObjectPattern extracts the first top-level-looking JSON object
// from a reply that may be wrapped in prose or a markdown code fence.
// This is the single regex-repair pass permitted by spec before a
// malformed reply fails outright.
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// repairJSON attempts to recover a bare JSON object from a reply that
// failed to unmarshal directly, by extracting the first brace-delimited
// span and retrying.
func repairJSON(reply string, v any) error {
	match := jsonObjectPattern.FindString(reply)
	if match == "" {
		return fmt.Errorf("no JSON object found in reply")
	}
	return json.Unmarshal([]byte(match), v)
}

// ErrMalformedResponse is returned by ParseL1/ParseL2 when the reply
// cannot be parsed even after the repair pass.
var ErrMalformedResponse = fmt.Errorf("taxonomy: malformed response")

// ParseL1 parses a Call-1 reply into a label and confidence. A label
// outside the allowed L1 set maps to Uncertain. A confidence below
// ConfidenceFloor also forces Uncertain per spec.
func ParseL1(reply string) (label string, confidence float64, err error) {
	var r l1Reply
	if jsonErr := json.Unmarshal([]byte(reply), &r); jsonErr != nil {
		if repairErr := repairJSON(reply, &r); repairErr != nil {
			return "", 0, fmt.Errorf("%w: %v", ErrMalformedResponse, jsonErr)
		}
	}

	if r.Confidence < ConfidenceFloor || !IsL1(r.Level1) {
		return Uncertain, clampConfidence(r.Confidence), nil
	}
	return r.Level1, clampConfidence(r.Confidence), nil
}

// ParseL2 parses a Call-2 reply into a set of sub-theme labels and a
// confidence. Labels outside l1Label's allowed set collapse to Other;
// duplicate Other entries are deduplicated. An empty selection yields
// confidence 0.0 per spec's resolved open question, regardless of what
// the model reported.
func ParseL2(reply, l1Label string) (labels []string, confidence float64, err error) {
	var r l2Reply
	if jsonErr := json.Unmarshal([]byte(reply), &r); jsonErr != nil {
		if repairErr := repairJSON(reply, &r); repairErr != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrMalformedResponse, jsonErr)
		}
	}

	seenOther := false
	out := make([]string, 0, len(r.Level2))
	for _, raw := range r.Level2 {
		if IsL2(l1Label, raw) {
			out = append(out, raw)
			continue
		}
		if !seenOther {
			out = append(out, Other)
			seenOther = true
		}
	}

	if len(out) == 0 {
		return out, 0.0, nil
	}
	return out, clampConfidence(r.Confidence), nil
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

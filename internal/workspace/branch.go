package workspace

import (
	"regexp"
	"strings"
	"time"

	"github.com/mpataki/levelup/internal/models"
)

// DefaultConvention is used when a run has no branch naming template.
const DefaultConvention = "levelup/{run_id}"

var (
	nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

	// Format descriptors on segments that already carry a placeholder.
	// The verbose "-in-kebab-case" form is stripped anywhere in the
	// segment; the short "-slug"/"-kebab" form only at the end.
	formatDescriptorRe = regexp.MustCompile(`(?i)[-_]in[-_](kebab|snake|camel|pascal)[-_]case|[-_](slug|kebab|snake|camel|pascal)$`)
)

// Natural-language aliases for placeholders, longest first so greedy
// matching picks the most specific form.
var conventionAliases = []struct {
	alias       string
	placeholder string
}{
	{"task-title-in-kebab-case", "{task_title}"},
	{"task-title", "{task_title}"},
	{"task_title", "{task_title}"},
	{"title", "{task_title}"},
	{"task", "{task_title}"},
	{"run-id", "{run_id}"},
	{"run_id", "{run_id}"},
	{"runid", "{run_id}"},
	{"id", "{run_id}"},
	{"date", "{date}"},
}

var placeholders = []string{"{run_id}", "{task_title}", "{date}"}

// SanitizeTaskTitle converts a task title into a branch-name-safe slug:
// lowercase, non-alphanumeric runs collapsed to single hyphens, trimmed,
// at most 50 characters, "task" when nothing survives.
func SanitizeTaskTitle(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = nonAlnumRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 50 {
		s = strings.TrimRight(s[:50], "-")
	}
	if s == "" {
		return "task"
	}
	return s
}

// BuildBranchName substitutes {run_id}, {task_title}, and {date} into the
// convention. An empty convention falls back to DefaultConvention. The
// result is deterministic for a given context and day.
func BuildBranchName(convention string, rc *models.RunContext) string {
	if strings.TrimSpace(convention) == "" {
		convention = DefaultConvention
	}

	name := convention
	name = strings.ReplaceAll(name, "{run_id}", rc.RunID)
	name = strings.ReplaceAll(name, "{task_title}", SanitizeTaskTitle(rc.Task.Title))
	name = strings.ReplaceAll(name, "{date}", time.Now().Format("20060102"))
	return name
}

// NormalizeConvention converts a natural-language branch pattern into
// canonical {placeholder} form. Patterns that already contain a canonical
// placeholder pass through unchanged.
//
//	"levelup/task-title-in-kebab-case" -> "levelup/{task_title}"
//	"feature/task-title"               -> "feature/{task_title}"
//	"dev/date-run-id"                  -> "dev/{date}-{run_id}"
func NormalizeConvention(raw string) string {
	stripped := strings.TrimSpace(raw)
	if stripped == "" {
		return stripped
	}
	if hasPlaceholder(stripped) {
		return stripped
	}

	segments := strings.Split(stripped, "/")
	for i, seg := range segments {
		replaced := replaceAliases(seg)
		if hasPlaceholder(replaced) {
			replaced = formatDescriptorRe.ReplaceAllString(replaced, "")
		}
		segments[i] = replaced
	}
	return strings.Join(segments, "/")
}

func hasPlaceholder(text string) bool {
	for _, p := range placeholders {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func isSeparator(b byte) bool {
	return b == '-' || b == '_' || b == '.'
}

// replaceAliases swaps known aliases for placeholders within one segment,
// matching only at word boundaries and consuming each position once.
func replaceAliases(segment string) string {
	var out strings.Builder
	lower := strings.ToLower(segment)

	i := 0
	for i < len(segment) {
		if i == 0 || isSeparator(segment[i-1]) {
			matched := false
			for _, a := range conventionAliases {
				end := i + len(a.alias)
				if end > len(segment) || lower[i:end] != a.alias {
					continue
				}
				if end < len(segment) && !isSeparator(segment[end]) {
					continue
				}
				out.WriteString(a.placeholder)
				i = end
				matched = true
				break
			}
			if matched {
				continue
			}
		}
		out.WriteByte(segment[i])
		i++
	}
	return out.String()
}

package scriptgen

import (
	"fmt"
	"regexp"
	"strings"

	"pitchengine/internal/domain"
)

const systemPrompt = "You are a master copywriter who writes direct, human, authentic copy. " +
	"No hype, just clear value. Every script is spoken aloud by the link's owner in their own voice."

const contextPreviewWords = 100

// Request is everything a generation round depends on.
type Request struct {
	URL     string
	Title   string
	Content *domain.ScrapedContent
	Bio     string
	Slots   []domain.Slot
}

// ContextHash identifies the inputs of the request.
func (r Request) ContextHash() string {
	return domain.ContextHash(r.URL, r.Title, r.Content, r.Bio)
}

// ContextSummary renders extracted content into the compact form every backend sees.
func ContextSummary(content *domain.ScrapedContent) string {
	if content == nil {
		return "Page content unavailable. Rely on the link and its title only."
	}
	var parts []string
	if content.Title != "" {
		parts = append(parts, "Title: "+content.Title)
	}
	if content.Description != "" {
		parts = append(parts, "Description: "+content.Description)
	}
	parts = append(parts, "Link Type: "+string(content.LinkType))
	if len(content.Headings) > 0 {
		parts = append(parts, "Headings: "+strings.Join(content.Headings, " | "))
	}
	if content.Excerpt != "" {
		words := strings.Fields(content.Excerpt)
		if len(words) > contextPreviewWords {
			words = words[:contextPreviewWords]
		}
		parts = append(parts, "Preview: "+strings.Join(words, " "))
	}
	return strings.Join(parts, "\n")
}

// buildPrompt asks for one script per slot, each under a labelled marker.
// With reminder set the prompt repeats the word limits as hard constraints.
func buildPrompt(req Request, slots []domain.Slot, reminder bool) Prompt {
	bio := strings.TrimSpace(req.Bio)
	if bio == "" {
		bio = "No specific business context provided"
	}
	title := req.Title
	if title == "" && req.Content != nil {
		title = req.Content.Title
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Write %d different voice scripts that make people want to click this link.\n\n", len(slots))
	fmt.Fprintf(&b, "Link: %s\nDestination: %s\nPage content:\n%s\nBusiness context: %s\n\n", title, req.URL, ContextSummary(req.Content), bio)
	b.WriteString("Each script must address a specific pain point or desire, sound natural when spoken aloud, and end with a clear call to action.\n\n")
	b.WriteString("Lengths:\n")
	for _, slot := range slots {
		fmt.Fprintf(&b, "- %s: at most %d words\n", strings.ToUpper(string(slot)), slot.MaxWords())
	}
	if reminder {
		b.WriteString("\nYour previous answer was too long. Count the words. A script over its limit is discarded, so stay well under it.\n")
	}
	b.WriteString("\nFormat your response EXACTLY like this, with no explanations:\n\n")
	for _, slot := range slots {
		fmt.Fprintf(&b, "%s:\n[script text]\n\n", strings.ToUpper(string(slot)))
	}

	return Prompt{System: systemPrompt, User: strings.TrimSpace(b.String())}
}

var (
	slotMarker   = regexp.MustCompile(`(?im)^[\s*#]*(brief|standard|conversational)[\s*]*:\**`)
	scriptMarker = regexp.MustCompile(`(?im)^[\s*#]*script\s+(\d+)[\s*]*:\**`)
	metaPrefixes = []string{"Here is", "Here are", "Here's a ", "Here's the ", "Note:", "Script:", "Remember:"}
)

// parseScripts splits model output into per-slot text. Output that uses
// numbered markers instead of slot names is mapped onto slots in order.
func parseScripts(output string, slots []domain.Slot) map[domain.Slot]string {
	out := make(map[domain.Slot]string, len(slots))
	wanted := make(map[domain.Slot]bool, len(slots))
	for _, s := range slots {
		wanted[s] = true
	}

	if locs := slotMarker.FindAllStringSubmatchIndex(output, -1); len(locs) > 0 {
		for i, loc := range locs {
			slot := domain.Slot(strings.ToLower(output[loc[2]:loc[3]]))
			end := len(output)
			if i+1 < len(locs) {
				end = locs[i+1][0]
			}
			if wanted[slot] {
				out[slot] = cleanScript(output[loc[1]:end])
			}
		}
		return out
	}

	if locs := scriptMarker.FindAllStringIndex(output, -1); len(locs) > 0 {
		for i, loc := range locs {
			if i >= len(slots) {
				break
			}
			end := len(output)
			if i+1 < len(locs) {
				end = locs[i+1][0]
			}
			out[slots[i]] = cleanScript(output[loc[1]:end])
		}
		return out
	}

	if len(slots) == 1 {
		out[slots[0]] = cleanScript(output)
	}
	return out
}

// cleanScript strips quotes and meta commentary. It never shortens the script itself.
func cleanScript(s string) string {
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || hasMetaPrefix(line) {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.Join(strings.Fields(strings.Join(kept, " ")), " ")
	return strings.Trim(out, "\"'“”* ")
}

func hasMetaPrefix(line string) bool {
	for _, p := range metaPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func isPolicyMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "content_policy") || strings.Contains(msg, "content policy") || strings.Contains(msg, "safety")
}

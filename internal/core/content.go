package core

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

var (
	warmupSubjects = []string{
		"Quick question about next week",
		"Following up on our conversation",
		"Notes from today",
		"Checking in",
		"Thoughts on the proposal",
		"Schedule for Thursday",
		"Re-sharing the document",
		"Small update",
		"Lunch plans?",
		"Draft for your review",
	}

	warmupOpeners = []string{
		"Hi %s,",
		"Hello %s,",
		"Hey %s,",
		"Good morning %s,",
	}

	warmupBodies = []string{
		"I wanted to share a quick update on the project. Things are moving along and we should have the next draft ready soon.",
		"Could you take a look at the notes from our last call when you get a moment? Let me know if anything is missing.",
		"Just checking whether Thursday still works for you. Happy to move things around if needed.",
		"Thanks again for the help last week. The changes made a real difference.",
		"I put together a short summary of where we are. Let me know what you think.",
	}

	replyBodies = []string{
		"Thanks for the note, this looks good to me.",
		"Appreciate the update. I will take a closer look later today.",
		"Sounds good, Thursday works on my end.",
		"Got it, thanks for sending this over.",
		"Great, let's keep going with this plan.",
	}

	signOffs = []string{
		"Best,",
		"Thanks,",
		"Cheers,",
		"Regards,",
	}
)

// TemplateContent composes warmup mail from a small set of natural templates
type TemplateContent struct{}

// NewTemplateContent creates a template-based content generator
func NewTemplateContent() *TemplateContent {
	return &TemplateContent{}
}

// Compose returns a subject and HTML body for a new warmup thread
func (c *TemplateContent) Compose(from, to *SenderAccount) (string, string) {
	subject := pick(warmupSubjects)
	body := paragraphs(
		fmt.Sprintf(pick(warmupOpeners), displayName(to.Address)),
		pick(warmupBodies),
		pick(signOffs)+"<br>"+displayName(from.Address),
	)
	return subject, body
}

// ComposeReply returns a subject and HTML body answering parent
func (c *TemplateContent) ComposeReply(from *SenderAccount, parent *WarmupMessage) (string, string) {
	subject := parent.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	body := paragraphs(
		pick(replyBodies),
		pick(signOffs)+"<br>"+displayName(from.Address),
	)
	return subject, body
}

func pick(options []string) string {
	return options[rand.IntN(len(options))]
}

func paragraphs(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString("<p>")
		b.WriteString(p)
		b.WriteString("</p>")
	}
	return b.String()
}

// displayName turns "jane.doe@example.com" into "Jane"
func displayName(address string) string {
	local := ExtractAddress(address)
	if at := strings.Index(local, "@"); at >= 0 {
		local = local[:at]
	}
	if dot := strings.IndexAny(local, "._-+"); dot > 0 {
		local = local[:dot]
	}
	if local == "" {
		return "there"
	}
	return strings.ToUpper(local[:1]) + local[1:]
}

package email

import (
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const excerptLimit = 280

type Recipient struct {
	Name  string
	Email string
}

// Notifier sends mail in the background. Delivery failures are logged and
// never reach the request that triggered them.
type Notifier struct {
	svc     *Service
	baseURL string
	log     zerolog.Logger
	pending sync.WaitGroup
}

func NewNotifier(svc *Service, baseURL string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		svc:     svc,
		baseURL: baseURL,
		log:     logger.With().Str("component", "email").Logger(),
	}
}

func (n *Notifier) NotifyMentions(authorName, projectID, projectName, content string, recipients []Recipient) {
	if !n.svc.IsConfigured() || len(recipients) == 0 {
		return
	}
	data := MentionData{
		AuthorName:  authorName,
		ProjectName: projectName,
		Excerpt:     excerpt(content),
		ProjectURL:  n.projectURL(projectID),
	}
	for _, r := range recipients {
		n.run("mention", r.Email, func() error {
			return n.svc.SendMentionEmail(r.Email, data)
		})
	}
}

func (n *Notifier) NotifyTeamMember(invitedBy, teamName, role string, recipient Recipient) {
	if !n.svc.IsConfigured() {
		return
	}
	data := TeamInviteData{
		UserName:   recipient.Name,
		TeamName:   teamName,
		InvitedBy:  invitedBy,
		Role:       role,
		ProjectURL: n.baseURL,
	}
	n.run("team invite", recipient.Email, func() error {
		return n.svc.SendTeamInviteEmail(recipient.Email, data)
	})
}

// Wait blocks until queued mail has been handed to the SMTP server.
func (n *Notifier) Wait() {
	n.pending.Wait()
}

func (n *Notifier) run(kind, to string, fn func() error) {
	n.pending.Add(1)
	go func() {
		defer n.pending.Done()
		if err := fn(); err != nil {
			n.log.Warn().Err(err).Str("kind", kind).Str("to", to).Msg("send email failed")
		}
	}()
}

func (n *Notifier) projectURL(projectID string) string {
	return n.baseURL + "/projects/" + projectID
}

func excerpt(content string) string {
	if utf8.RuneCountInString(content) <= excerptLimit {
		return content
	}
	runes := []rune(content)
	return string(runes[:excerptLimit]) + "…"
}

// Package correlate decides what an inbound message is: a reply or
// forward to something we sent, or unrelated new mail. Scoring is a
// pure function over the message's structural fields; the database
// lookups that bind campaigns and threads live in Detector.
package correlate

import (
	"regexp"
	"strings"

	"github.com/ignite/outreach-engine/internal/config"
)

// Reply type values, ordered by precedence. Once evidence establishes
// "reply", weaker signals never downgrade it, and "forward" is only set
// by the subject prefix rule.
const (
	TypeNew     = "new"
	TypeReply   = "reply"
	TypeForward = "forward"
)

var (
	subjectPrefixRe = regexp.MustCompile(`(?i)^(re|reply|fwd|forward):`)
	forwardPrefixRe = regexp.MustCompile(`(?i)^(fwd|forward):`)
	// Strips any pile of reply/forward prefixes for thread-subject
	// matching: "Re: Fwd: Pricing" -> "Pricing".
	prefixStripRe = regexp.MustCompile(`(?i)^((re|reply|fwd|forward):\s*)+`)

	onWroteRe = regexp.MustCompile(`(?m)On .{1,200} wrote:`)
	fromSentRe = regexp.MustCompile(`(?m)^\s*(From|Sent):\s`)
	quotedLineRe = regexp.MustCompile(`(?m)^\s*>`)
)

const originalMessageMarker = "-----Original Message-----"

// Input is the structural evidence scoring runs on.
type Input struct {
	Subject string
	Body    string
	Headers map[string]string
}

// Score is the accumulated verdict before any database binding.
type Score struct {
	Confidence float64
	ReplyType  string
}

// ScoreMessage runs every signal and accumulates confidence. There is
// no early exit: independent evidence stacks.
func ScoreMessage(in Input, weights config.ScoringConfig) Score {
	s := Score{ReplyType: TypeNew}

	subject := strings.TrimSpace(in.Subject)
	if subjectPrefixRe.MatchString(subject) {
		s.Confidence += weights.SubjectPrefix
		if forwardPrefixRe.MatchString(subject) {
			s.ReplyType = TypeForward
		} else {
			s.ReplyType = TypeReply
		}
	}

	if hasThreadingHeaders(in.Headers) {
		s.Confidence += weights.ThreadingHeaders
		s.escalate(TypeReply)
	}

	if hasQuotedContent(in.Body) {
		s.Confidence += weights.QuotedBody
		s.escalate(TypeReply)
	}

	return s
}

// escalate raises the reply type but never downgrades: forward beats
// reply beats new for every signal except the subject prefix itself.
func (s *Score) escalate(t string) {
	if s.ReplyType == TypeNew && (t == TypeReply || t == TypeForward) {
		s.ReplyType = t
	}
}

func hasThreadingHeaders(headers map[string]string) bool {
	for k, v := range headers {
		switch strings.ToLower(k) {
		case "references", "in-reply-to":
			if strings.TrimSpace(v) != "" {
				return true
			}
		}
	}
	return false
}

func hasQuotedContent(body string) bool {
	if body == "" {
		return false
	}
	if strings.Contains(body, originalMessageMarker) {
		return true
	}
	return onWroteRe.MatchString(body) ||
		fromSentRe.MatchString(body) ||
		quotedLineRe.MatchString(body)
}

// StripReplyPrefixes removes stacked Re:/Fwd: prefixes for thread
// subject matching.
func StripReplyPrefixes(subject string) string {
	return strings.TrimSpace(prefixStripRe.ReplaceAllString(strings.TrimSpace(subject), ""))
}

// NormalizeSubject lowercases a prefix-stripped subject for indexed
// thread lookup.
func NormalizeSubject(subject string) string {
	return strings.ToLower(StripReplyPrefixes(subject))
}

package inbox

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shineum/mail-gateway/internal/email"
)

// Priority labels.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityNormal = "normal"
)

// Category labels.
const (
	CategoryPurchase     = "purchase"
	CategorySupport      = "support"
	CategoryNotification = "notification"
	CategoryMarketing    = "marketing"
	CategoryGeneral      = "general"
)

// Sentiment labels.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

// Topic labels.
const (
	TopicOrders     = "orders"
	TopicSupport    = "support"
	TopicScheduling = "scheduling"
	TopicReports    = "reports"
	TopicGeneral    = "general"
)

const previewRunes = 200

// field selects the lowercased text a rule is matched against.
type field func(m *email.InboundMessage) string

func subjectField(m *email.InboundMessage) string { return strings.ToLower(m.Subject) }
func textField(m *email.InboundMessage) string    { return strings.ToLower(m.Text) }
func senderField(m *email.InboundMessage) string  { return strings.ToLower(m.From.String()) }

// rule assigns label when any keyword occurs in any of fields. Tables of
// rules are evaluated in order and the first hit wins.
type rule struct {
	label    string
	fields   []field
	keywords []string
}

func (r rule) match(m *email.InboundMessage) bool {
	for _, f := range r.fields {
		if containsAny(f(m), r.keywords) {
			return true
		}
	}
	return false
}

var priorityRules = []rule{
	{PriorityHigh, []field{subjectField, textField}, []string{
		"urgente", "urgent", "crítico", "critical", "emergência", "emergency", "imediato", "immediate",
	}},
	{PriorityMedium, []field{subjectField, textField}, []string{
		"importante", "important", "atenção", "attention", "revisar", "review",
	}},
}

var categoryRules = []rule{
	{CategoryPurchase, []field{subjectField}, []string{"pedido", "order", "compra", "purchase"}},
	{CategorySupport, []field{subjectField}, []string{"suporte", "support", "ajuda", "help"}},
	{CategoryNotification, []field{subjectField}, []string{"notificação", "notification", "alerta", "alert"}},
	{CategoryNotification, []field{senderField}, []string{"noreply", "no-reply", "donotreply"}},
	{CategoryMarketing, []field{subjectField}, []string{"spam", "promoção", "promotion", "marketing"}},
}

var topicRules = []rule{
	{TopicOrders, []field{subjectField}, []string{"pedido", "order"}},
	{TopicSupport, []field{subjectField}, []string{"suporte", "support"}},
	{TopicScheduling, []field{subjectField}, []string{"reunião", "meeting"}},
	{TopicReports, []field{subjectField}, []string{"relatório", "report"}},
}

var (
	positiveWords = []string{"obrigado", "thanks", "excelente", "excellent", "ótimo", "great", "bom", "good"}
	negativeWords = []string{"problema", "problem", "erro", "error", "ruim", "bad", "péssimo", "terrible"}
)

func classify(m *email.InboundMessage, rules []rule, fallback string) string {
	for _, r := range rules {
		if r.match(m) {
			return r.label
		}
	}
	return fallback
}

// PriorityOf returns high, medium or normal from keywords in the subject
// or text.
func PriorityOf(m *email.InboundMessage) string {
	return classify(m, priorityRules, PriorityNormal)
}

// CategoryOf returns exactly one category label.
func CategoryOf(m *email.InboundMessage) string {
	return classify(m, categoryRules, CategoryGeneral)
}

// TopicOf returns the main topic of the subject.
func TopicOf(m *email.InboundMessage) string {
	return classify(m, topicRules, TopicGeneral)
}

// SentimentOf compares how many positive and negative keywords occur in
// the subject or text.
func SentimentOf(m *email.InboundMessage) string {
	subject, text := subjectField(m), textField(m)
	count := func(words []string) int {
		n := 0
		for _, w := range words {
			if strings.Contains(subject, w) || strings.Contains(text, w) {
				n++
			}
		}
		return n
	}
	pos, neg := count(positiveWords), count(negativeWords)
	switch {
	case pos > neg:
		return SentimentPositive
	case neg > pos:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// UrgencyOf maps priority onto high, medium or low.
func UrgencyOf(m *email.InboundMessage) string {
	switch PriorityOf(m) {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Preview returns the first 200 runes of the text body, falling back to
// the HTML body.
func Preview(m *email.InboundMessage) string {
	switch {
	case m.Text != "":
		return truncateRunes(m.Text, previewRunes)
	case m.HTML != "":
		return truncateRunes(m.HTML, previewRunes)
	default:
		return "(no content)"
	}
}

// Summary is the annotated projection of an inbound message.
type Summary struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject"`
	FromAddress    string    `json:"from_address"`
	FromName       string    `json:"from_name,omitempty"`
	ToAddresses    []string  `json:"to_addresses"`
	ReceivedAt     time.Time `json:"received_at"`
	HasAttachments bool      `json:"has_attachments"`
	Preview        string    `json:"content_preview"`
	Priority       string    `json:"priority"`
	Category       string    `json:"category"`
	Sentiment      string    `json:"sentiment"`
}

// Summarize annotates m.
func Summarize(m *email.InboundMessage) Summary {
	return Summary{
		ID:             m.ID,
		Subject:        m.Subject,
		FromAddress:    m.From.Address,
		FromName:       m.From.Name,
		ToAddresses:    m.RecipientAddresses(),
		ReceivedAt:     m.ReceivedAt,
		HasAttachments: len(m.Attachments) > 0,
		Preview:        Preview(m),
		Priority:       PriorityOf(m),
		Category:       CategoryOf(m),
		Sentiment:      SentimentOf(m),
	}
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

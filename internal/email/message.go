// Package email defines the core data model shared by the outbound and
// inbound paths of the mail gateway.
package email

import (
	"strings"
	"time"
)

// Status is the outcome class of a delivery attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// OutboundRequest is an accepted send request. It is not modified after
// the dispatcher accepts it.
type OutboundRequest struct {
	To             string   `json:"to"`
	Subject        string   `json:"subject"`
	Body           string   `json:"body"`
	Debug          bool     `json:"debug,omitempty"`
	AttachmentKeys []string `json:"attachment_keys,omitempty"`
}

// ClientMeta describes the caller that submitted a request.
type ClientMeta struct {
	Addr    string              `json:"addr,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
}

// Attachment is a staged binary payload.
type Attachment struct {
	Key         string
	Filename    string
	ContentType string
	Content     []byte
}

// DeliveryResult is the single persisted outcome of one delivery attempt.
type DeliveryResult struct {
	MessageID   string     `json:"message_id"`
	Status      Status     `json:"status"`
	Failure     string     `json:"failure,omitempty"`
	Detail      string     `json:"detail"`
	Timestamp   time.Time  `json:"timestamp"`
	Recipient   string     `json:"recipient"`
	Client      ClientMeta `json:"client"`
	MessageSize int        `json:"message_size"`
	Provider    string     `json:"provider,omitempty"`
}

// Address is a mailbox with an optional display name.
type Address struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// String renders the address the way it would appear in a header.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}

// AttachmentInfo describes an attachment of an inbound message.
type AttachmentInfo struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size,omitempty"`
}

// InboundMessage is the normalized, persisted form of a received message.
type InboundMessage struct {
	ID          string           `json:"id"`
	Source      string           `json:"source,omitempty"`
	From        Address          `json:"from"`
	To          []Address        `json:"to"`
	Subject     string           `json:"subject"`
	Text        string           `json:"text"`
	HTML        string           `json:"html"`
	Attachments []AttachmentInfo `json:"attachments"`
	ReceivedAt  time.Time        `json:"received_at"`
	ProcessedAt time.Time        `json:"processed_at"`
}

// Recipients renders the recipient list as a single comma separated string.
func (m *InboundMessage) Recipients() string {
	parts := make([]string, 0, len(m.To))
	for _, a := range m.To {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// RecipientAddresses returns the bare recipient addresses.
func (m *InboundMessage) RecipientAddresses() []string {
	out := make([]string, 0, len(m.To))
	for _, a := range m.To {
		out = append(out, a.Address)
	}
	return out
}

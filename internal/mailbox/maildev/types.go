// Package maildev implements a mailbox Source over the MailDev REST API.
package maildev

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shineum/mail-gateway/internal/email"
)

// mailSummary is one entry of GET /api/mails.
type mailSummary struct {
	ID   string `json:"id"`
	Read bool   `json:"read"`
}

// mailDetail is the body of GET /api/mail/{id}.
type mailDetail struct {
	ID          string       `json:"id"`
	From        addressList  `json:"from"`
	To          addressList  `json:"to"`
	Subject     string       `json:"subject"`
	Text        string       `json:"text"`
	HTML        string       `json:"html"`
	Time        time.Time    `json:"time"`
	Date        time.Time    `json:"date"`
	Attachments []attachment `json:"attachments"`
}

// attachment accepts both the plain field names and the ones MailDev
// itself emits.
type attachment struct {
	ID                string `json:"id"`
	GeneratedFileName string `json:"generatedFileName"`
	Filename          string `json:"filename"`
	FileName          string `json:"fileName"`
	ContentType       string `json:"contentType"`
	Length            int    `json:"length"`
	Size              int    `json:"size"`
}

func (a attachment) info() email.AttachmentInfo {
	info := email.AttachmentInfo{
		ID:          a.ID,
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Size:        a.Length,
	}
	if info.ID == "" {
		info.ID = a.GeneratedFileName
	}
	if info.Filename == "" {
		info.Filename = a.FileName
	}
	if info.Filename == "" {
		info.Filename = info.ID
	}
	if info.ContentType == "" {
		info.ContentType = "application/octet-stream"
	}
	if info.Size == 0 {
		info.Size = a.Size
	}
	return info
}

// addressList decodes an address field given as a list of objects, a
// single object or a bare string.
type addressList []email.Address

func (l *addressList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*l = nil
		return nil
	case len(data) > 0 && data[0] == '[':
		var addrs []email.Address
		if err := json.Unmarshal(data, &addrs); err != nil {
			return err
		}
		*l = addrs
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = addressList{{Address: s}}
		return nil
	default:
		var a email.Address
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		*l = addressList{a}
		return nil
	}
}

package helpers

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"github.com/brevmail/brev/consts"
)

// Recipient is one parsed address from the To/Cc/Bcc headers, stored with the
// message for search and for the envelope view.
type Recipient struct {
	Kind  string `json:"kind"` // to, cc or bcc
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// ParsedMessage is the structured view of one raw message: envelope fields,
// MIME body structure and extracted plaintext. The transform is pure; nothing
// here touches storage.
type ParsedMessage struct {
	ContentHash   string
	Size          int64
	MessageID     string
	Subject       string
	Sender        string
	SentDate      time.Time
	InReplyTo     []string
	Recipients    []Recipient
	Headers       map[string][]string
	BodyStructure imap.BodyStructure
	PlaintextBody string
}

// ParseMessage parses raw message octets into a ParsedMessage. Unknown
// charsets are tolerated; anything the MIME parser cannot walk degrades to a
// text/plain single part rather than failing delivery.
func ParseMessage(raw []byte) (*ParsedMessage, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}

	pm := &ParsedMessage{
		ContentHash: HashContent(raw),
		Size:        int64(len(raw)),
	}

	header := mail.Header{Header: entity.Header}
	if subject, err := header.Subject(); err == nil {
		pm.Subject = SanitizeUTF8(subject)
	}
	if msgID, err := header.MessageID(); err == nil {
		pm.MessageID = SanitizeUTF8(msgID)
	}
	if date, err := header.Date(); err == nil {
		pm.SentDate = date
	}
	if refs, err := header.MsgIDList("In-Reply-To"); err == nil {
		pm.InReplyTo = refs
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		pm.Sender = strings.ToLower(from[0].Address)
	}
	pm.Recipients = extractRecipients(header)
	pm.Headers = entity.Header.Map()

	var texts textBodies
	bs, err := buildBodyStructure(entity, &texts)
	if err != nil {
		// Fall back to an opaque single part so the message is still storable.
		bs = &imap.BodyStructureSinglePart{
			Type:    "text",
			Subtype: "plain",
			Size:    uint32(len(raw)),
		}
	}
	pm.BodyStructure = bs

	switch {
	case texts.plain != nil:
		pm.PlaintextBody = SanitizeUTF8(*texts.plain)
	case texts.html != nil:
		pm.PlaintextBody = SanitizeUTF8(html2text.HTML2Text(*texts.html))
	}

	return pm, nil
}

func extractRecipients(header mail.Header) []Recipient {
	var out []Recipient
	for _, field := range []struct{ header, kind string }{
		{"To", "to"}, {"Cc", "cc"}, {"Bcc", "bcc"},
	} {
		list, err := header.AddressList(field.header)
		if err != nil {
			continue
		}
		kind := field.kind
		for _, addr := range list {
			if addr.Address == "" {
				continue
			}
			out = append(out, Recipient{
				Kind:  kind,
				Name:  SanitizeUTF8(addr.Name),
				Email: strings.ToLower(addr.Address),
			})
		}
	}
	return out
}

// textBodies collects the first text/plain and text/html leaves seen while
// walking the MIME tree.
type textBodies struct {
	plain *string
	html  *string
}

func buildBodyStructure(entity *message.Entity, texts *textBodies) (imap.BodyStructure, error) {
	mediaType, params, err := entity.Header.ContentType()
	if err != nil {
		mediaType = "text/plain"
		params = nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := entity.MultipartReader()
		if mr == nil {
			return nil, fmt.Errorf("multipart content type without multipart body")
		}
		var children []imap.BodyStructure
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("read multipart: %w", err)
			}
			child, err := buildBodyStructure(part, texts)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return &imap.BodyStructureMultiPart{
			Subtype:  strings.TrimPrefix(mediaType, "multipart/"),
			Children: children,
			Extended: &imap.BodyStructureMultiPartExt{
				Params:      params,
				Disposition: extractDisposition(entity),
			},
		}, nil
	}

	content, err := io.ReadAll(entity.Body)
	if err != nil {
		return nil, fmt.Errorf("read part body: %w", err)
	}

	switch mediaType {
	case "text/plain":
		if texts.plain == nil {
			s := string(content)
			texts.plain = &s
		}
	case "text/html":
		if texts.html == nil {
			s := string(content)
			texts.html = &s
		}
	}

	typ, subtype, _ := strings.Cut(mediaType, "/")
	return &imap.BodyStructureSinglePart{
		Type:     typ,
		Subtype:  subtype,
		Params:   params,
		Size:     uint32(len(content)),
		Encoding: entity.Header.Get("Content-Transfer-Encoding"),
		Extended: &imap.BodyStructureSinglePartExt{
			Disposition: extractDisposition(entity),
		},
	}, nil
}

func extractDisposition(entity *message.Entity) *imap.BodyStructureDisposition {
	disposition, params, _ := entity.Header.ContentDisposition()
	if disposition == "" {
		return nil
	}
	return &imap.BodyStructureDisposition{Value: disposition, Params: params}
}

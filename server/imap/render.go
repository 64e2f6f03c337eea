package imap

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/brevmail/brev/helpers"
	"github.com/brevmail/brev/store"
)

func itoa32(n uint32) string {
	return strconv.FormatUint(uint64(n), 10)
}

// renderString encodes s as a quoted string, or as a literal when it
// contains octets a quoted string cannot carry.
func renderString(s string) string {
	if strings.ContainsAny(s, "\r\n") || len(s) > 1000 {
		return renderLiteral(s)
	}
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b == '"' || b == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(b)
	}
	sb.WriteByte('"')
	return sb.String()
}

// renderLiteral encodes s as a server literal. The CRLF after the size
// marker is part of the literal syntax, not a response terminator.
func renderLiteral(s string) string {
	return fmt.Sprintf("{%d}\r\n%s", len(s), s)
}

// renderNString is renderString with NIL for the empty string.
func renderNString(s string) string {
	if s == "" {
		return "NIL"
	}
	return renderString(s)
}

func renderFlags(flags []imap.Flag) string {
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return "(" + strings.Join(parts, " ") + ")"
}

const internalDateLayout = "_2-Jan-2006 15:04:05 -0700"

func renderInternalDate(t time.Time) string {
	return `"` + t.Format(internalDateLayout) + `"`
}

// renderUIDs compresses ascending UIDs into the a:b,c set form.
func renderUIDs(uids []imap.UID) string {
	var sb strings.Builder
	for i := 0; i < len(uids); {
		j := i
		for j+1 < len(uids) && uids[j+1] == uids[j]+1 {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if i == j {
			fmt.Fprintf(&sb, "%d", uids[i])
		} else {
			fmt.Fprintf(&sb, "%d:%d", uids[i], uids[j])
		}
		i = j + 1
	}
	return sb.String()
}

// renderAddress encodes one RFC 3501 address structure.
func renderAddress(name, email string) string {
	local, host, ok := strings.Cut(email, "@")
	if !ok {
		local, host = email, ""
	}
	return fmt.Sprintf("(%s NIL %s %s)", renderNString(name), renderNString(local), renderNString(host))
}

func renderRecipients(recipients []helpers.Recipient, kind string) string {
	var sb strings.Builder
	for _, r := range recipients {
		if r.Kind != kind {
			continue
		}
		sb.WriteString(renderAddress(r.Name, r.Email))
	}
	if sb.Len() == 0 {
		return "NIL"
	}
	return "(" + sb.String() + ")"
}

// renderEnvelope builds the ENVELOPE item from the stored message record.
// From, sender and reply-to all carry the single stored sender address.
func renderEnvelope(m *store.Message) string {
	if m == nil {
		return "(NIL NIL NIL NIL NIL NIL NIL NIL NIL NIL)"
	}
	date := "NIL"
	if !m.SentDate.IsZero() {
		date = renderString(m.SentDate.Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	}
	sender := "NIL"
	if m.Sender != "" {
		sender = "(" + renderAddress("", m.Sender) + ")"
	}
	messageID := "NIL"
	if m.MessageIDHeader != "" {
		messageID = renderString("<" + m.MessageIDHeader + ">")
	}
	return fmt.Sprintf("(%s %s %s %s %s %s %s %s NIL %s)",
		date,
		renderNString(m.Subject),
		sender, sender, sender,
		renderRecipients(m.Recipients, "to"),
		renderRecipients(m.Recipients, "cc"),
		renderRecipients(m.Recipients, "bcc"),
		messageID,
	)
}

func renderParams(params map[string]string) string {
	if len(params) == 0 {
		return "NIL"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	// Deterministic output; map order is not.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	var sb strings.Builder
	sb.WriteByte('(')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(renderString(strings.ToUpper(k)))
		sb.WriteByte(' ')
		sb.WriteString(renderString(params[k]))
	}
	sb.WriteByte(')')
	return sb.String()
}

func renderDisposition(d *imap.BodyStructureDisposition) string {
	if d == nil {
		return "NIL"
	}
	return fmt.Sprintf("(%s %s)", renderString(strings.ToUpper(d.Value)), renderParams(d.Params))
}

// renderBodyStructure encodes BODY or, with extended set, BODYSTRUCTURE.
func renderBodyStructure(bs imap.BodyStructure, extended bool) string {
	var sb strings.Builder
	writeBodyStructure(&sb, bs, extended)
	return sb.String()
}

func writeBodyStructure(sb *strings.Builder, bs imap.BodyStructure, extended bool) {
	switch part := bs.(type) {
	case *imap.BodyStructureMultiPart:
		sb.WriteByte('(')
		for _, child := range part.Children {
			writeBodyStructure(sb, child, extended)
		}
		sb.WriteByte(' ')
		sb.WriteString(renderString(strings.ToUpper(part.Subtype)))
		if extended {
			params := "NIL"
			disposition := "NIL"
			if part.Extended != nil {
				params = renderParams(part.Extended.Params)
				disposition = renderDisposition(part.Extended.Disposition)
			}
			fmt.Fprintf(sb, " %s %s NIL NIL", params, disposition)
		}
		sb.WriteByte(')')
	case *imap.BodyStructureSinglePart:
		encoding := part.Encoding
		if encoding == "" {
			encoding = "7BIT"
		}
		fmt.Fprintf(sb, "(%s %s %s %s %s %s %d",
			renderString(strings.ToUpper(part.Type)),
			renderString(strings.ToUpper(part.Subtype)),
			renderParams(part.Params),
			renderNString(part.ID),
			renderNString(part.Description),
			renderString(strings.ToUpper(encoding)),
			part.Size,
		)
		if strings.EqualFold(part.Type, "text") {
			lines := int64(0)
			if part.Text != nil {
				lines = part.Text.NumLines
			}
			fmt.Fprintf(sb, " %d", lines)
		}
		if extended {
			disposition := "NIL"
			if part.Extended != nil {
				disposition = renderDisposition(part.Extended.Disposition)
			}
			fmt.Fprintf(sb, " NIL %s NIL NIL", disposition)
		}
		sb.WriteByte(')')
	default:
		// An unparsed message degrades to an opaque part.
		sb.WriteString(`("TEXT" "PLAIN" NIL NIL NIL "7BIT" 0 0`)
		if extended {
			sb.WriteString(" NIL NIL NIL NIL")
		}
		sb.WriteByte(')')
	}
}

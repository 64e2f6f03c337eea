package imap

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/brevmail/brev/store"
)

// fetchItem is one requested FETCH data item. label is echoed back in the
// response; the RFC822 aliases keep their spelling.
type fetchItem struct {
	name    string // ENVELOPE, FLAGS, INTERNALDATE, RFC822.SIZE, UID, BODY, BODYSTRUCTURE or SECTION
	label   string
	peek    bool
	section *sectionSpec
	partial *partialSpec
}

type sectionSpec struct {
	text   string // "", HEADER, HEADER.FIELDS, HEADER.FIELDS.NOT or TEXT
	fields []string
}

type partialSpec struct {
	offset int64
	size   int64
}

// fetchAttName reads an item name, stopping before a section bracket.
func (p *parser) fetchAttName() (string, error) {
	n := 0
	for n < len(p.line) && isAtomChar(p.line[n]) && p.line[n] != '[' {
		n++
	}
	if n == 0 {
		return "", bad("expected fetch item near %q", p.line)
	}
	s := strings.ToUpper(p.line[:n])
	p.line = p.line[n:]
	return s, nil
}

func (p *parser) fetchSection() (*sectionSpec, error) {
	if !p.take("[") {
		return nil, bad("expected [ near %q", p.line)
	}
	spec := &sectionSpec{}
	if p.take("]") {
		return spec, nil
	}
	if p.line != "" && p.line[0] >= '0' && p.line[0] <= '9' {
		return nil, bad("numbered body sections are not supported")
	}

	kw, err := p.fetchAttName()
	if err != nil {
		return nil, err
	}
	switch kw {
	case "HEADER", "TEXT":
		spec.text = kw
	case "HEADER.FIELDS", "HEADER.FIELDS.NOT":
		spec.text = kw
		if err := p.space(); err != nil {
			return nil, err
		}
		if !p.take("(") {
			return nil, bad("expected header field list")
		}
		for !p.take(")") {
			if len(spec.fields) > 0 {
				if err := p.space(); err != nil {
					return nil, err
				}
			}
			field, err := p.astring()
			if err != nil {
				return nil, err
			}
			spec.fields = append(spec.fields, field)
		}
		if len(spec.fields) == 0 {
			return nil, bad("empty header field list")
		}
	default:
		return nil, bad("unknown body section %q", kw)
	}
	if !p.take("]") {
		return nil, bad("expected ] near %q", p.line)
	}
	return spec, nil
}

func (p *parser) fetchPartial() (*partialSpec, error) {
	if !p.take("<") {
		return nil, nil
	}
	offset, err := p.number64()
	if err != nil {
		return nil, err
	}
	if !p.take(".") {
		return nil, bad("expected . in partial range")
	}
	size, err := p.number64()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, bad("zero-length partial range")
	}
	if !p.take(">") {
		return nil, bad("expected > near %q", p.line)
	}
	return &partialSpec{offset: offset, size: size}, nil
}

func (p *parser) fetchAtt() (fetchItem, error) {
	name, err := p.fetchAttName()
	if err != nil {
		return fetchItem{}, err
	}
	switch name {
	case "ENVELOPE", "FLAGS", "INTERNALDATE", "UID", "RFC822.SIZE", "BODYSTRUCTURE":
		return fetchItem{name: name, label: name}, nil
	case "RFC822":
		return fetchItem{name: "SECTION", label: name, section: &sectionSpec{}}, nil
	case "RFC822.HEADER":
		return fetchItem{name: "SECTION", label: name, peek: true, section: &sectionSpec{text: "HEADER"}}, nil
	case "RFC822.TEXT":
		return fetchItem{name: "SECTION", label: name, section: &sectionSpec{text: "TEXT"}}, nil
	case "BODY", "BODY.PEEK":
		peek := name == "BODY.PEEK"
		if !strings.HasPrefix(p.line, "[") {
			if peek {
				return fetchItem{}, bad("BODY.PEEK requires a section")
			}
			return fetchItem{name: "BODY", label: "BODY"}, nil
		}
		section, err := p.fetchSection()
		if err != nil {
			return fetchItem{}, err
		}
		partial, err := p.fetchPartial()
		if err != nil {
			return fetchItem{}, err
		}
		return fetchItem{name: "SECTION", peek: peek, section: section, partial: partial}, nil
	default:
		return fetchItem{}, bad("unknown fetch item %q", name)
	}
}

// fetchAtts reads the fetch item list: a macro, one item, or a
// parenthesized list.
func (p *parser) fetchAtts() ([]fetchItem, error) {
	expand := func(names ...string) []fetchItem {
		items := make([]fetchItem, len(names))
		for i, n := range names {
			items[i] = fetchItem{name: n, label: n}
		}
		return items
	}
	if p.take("(") {
		var items []fetchItem
		for !p.take(")") {
			if len(items) > 0 {
				if err := p.space(); err != nil {
					return nil, err
				}
			}
			item, err := p.fetchAtt()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		if len(items) == 0 {
			return nil, bad("empty fetch item list")
		}
		return items, nil
	}

	save := p.line
	name, err := p.fetchAttName()
	if err != nil {
		return nil, err
	}
	switch name {
	case "ALL":
		return expand("FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE"), nil
	case "FAST":
		return expand("FLAGS", "INTERNALDATE", "RFC822.SIZE"), nil
	case "FULL":
		return expand("FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODY"), nil
	}
	p.line = save
	item, err := p.fetchAtt()
	if err != nil {
		return nil, err
	}
	return []fetchItem{item}, nil
}

func (c *conn) cmdFetch(ctx context.Context, tag string, p *parser) error {
	return c.fetch(ctx, tag, p, false)
}

func (c *conn) cmdUIDFetch(ctx context.Context, tag string, p *parser) error {
	return c.fetch(ctx, tag, p, true)
}

func (c *conn) fetch(ctx context.Context, tag string, p *parser, byUID bool) error {
	if err := p.space(); err != nil {
		return err
	}
	set, err := p.seqSet()
	if err != nil {
		return err
	}
	if err := p.space(); err != nil {
		return err
	}
	items, err := p.fetchAtts()
	if err != nil {
		return err
	}
	if err := p.end(); err != nil {
		return err
	}

	v := c.selected
	var indices []int
	if byUID {
		indices = v.matchUID(seqToUIDSet(set))
	} else {
		indices = v.matchSeq(set)
	}
	if len(indices) == 0 {
		return c.ok(tag, "FETCH completed")
	}

	rows, err := c.folderRowsByUID(ctx)
	if err != nil {
		return err
	}

	needRecord := false
	needContent := false
	setsSeen := false
	for _, item := range items {
		switch item.name {
		case "ENVELOPE", "BODY", "BODYSTRUCTURE":
			needRecord = true
		case "SECTION":
			needContent = true
			if !item.peek {
				setsSeen = true
			}
		}
	}

	var records map[int64]*store.Message
	if needRecord {
		ids := make([]int64, 0, len(indices))
		for _, i := range indices {
			ids = append(ids, v.msgs[i].messageID)
		}
		if records, err = c.server.store.GetMessageRecords(ctx, ids); err != nil {
			return mapStoreError(err)
		}
	}

	for _, i := range indices {
		m := v.msgs[i]
		row := rows[m.uid]
		if row == nil {
			// Expunged by another session between resolve and fetch.
			continue
		}

		var raw []byte
		if needContent {
			if raw, err = c.server.content.Read(ctx, row.ContentHash); err != nil {
				return no("message content unavailable, try again later")
			}
		}

		flags := row.Flags()
		flagsChanged := false
		if setsSeen && !v.readOnly && row.BitwiseFlags&store.FlagSeen == 0 {
			if flags, err = c.server.store.AddMessageFlags(ctx, c.user.ID, m.messageID, []imap.Flag{imap.FlagSeen}); err != nil {
				return mapStoreError(err)
			}
			flagsChanged = true
		}
		flags = v.sessionFlags(m.uid, flags)

		var parts []string
		seenFlagsItem := false
		seenUIDItem := false
		for _, item := range items {
			switch item.name {
			case "FLAGS":
				parts = append(parts, "FLAGS "+renderFlags(flags))
				seenFlagsItem = true
			case "UID":
				parts = append(parts, "UID "+itoa32(uint32(m.uid)))
				seenUIDItem = true
			case "INTERNALDATE":
				parts = append(parts, "INTERNALDATE "+renderInternalDate(row.InternalDate))
			case "RFC822.SIZE":
				parts = append(parts, "RFC822.SIZE "+strconv.FormatInt(row.Size, 10))
			case "ENVELOPE":
				parts = append(parts, "ENVELOPE "+renderEnvelope(records[m.messageID]))
			case "BODY":
				parts = append(parts, "BODY "+renderBodyStructure(bodyStructureOf(records[m.messageID]), false))
			case "BODYSTRUCTURE":
				parts = append(parts, "BODYSTRUCTURE "+renderBodyStructure(bodyStructureOf(records[m.messageID]), true))
			case "SECTION":
				parts = append(parts, renderSection(item, raw))
			}
		}
		if byUID && !seenUIDItem {
			parts = append(parts, "UID "+itoa32(uint32(m.uid)))
		}
		if flagsChanged && !seenFlagsItem {
			parts = append(parts, "FLAGS "+renderFlags(flags))
		}

		if err := c.writeLine("* %d FETCH (%s)", i+1, strings.Join(parts, " ")); err != nil {
			return err
		}
	}
	return c.ok(tag, "FETCH completed")
}

// folderRowsByUID loads the selected folder's current rows keyed by UID.
func (c *conn) folderRowsByUID(ctx context.Context) (map[imap.UID]*store.UserMessage, error) {
	msgs, err := c.server.store.ListMessages(ctx, c.selected.folder.ID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	rows := make(map[imap.UID]*store.UserMessage, len(msgs))
	for i := range msgs {
		rows[msgs[i].UID] = &msgs[i]
	}
	return rows, nil
}

func bodyStructureOf(rec *store.Message) imap.BodyStructure {
	if rec == nil {
		return nil
	}
	return rec.BodyStructure
}

// seqToUIDSet reinterprets a parsed set as UIDs; UID commands share the set
// syntax.
func seqToUIDSet(set imap.SeqSet) imap.UIDSet {
	out := make(imap.UIDSet, len(set))
	for i, r := range set {
		out[i] = imap.UIDRange{Start: imap.UID(r.Start), Stop: imap.UID(r.Stop)}
	}
	return out
}

// renderSection renders one BODY[...] response item from the raw content.
func renderSection(item fetchItem, raw []byte) string {
	spec := item.section
	var data []byte
	switch spec.text {
	case "":
		data = raw
	case "HEADER":
		data, _ = splitMessage(raw)
	case "TEXT":
		_, data = splitMessage(raw)
	case "HEADER.FIELDS":
		header, _ := splitMessage(raw)
		data = filterHeaderFields(header, spec.fields, false)
	case "HEADER.FIELDS.NOT":
		header, _ := splitMessage(raw)
		data = filterHeaderFields(header, spec.fields, true)
	}

	label := item.label
	if label == "" {
		label = "BODY[" + renderSectionSpec(spec) + "]"
	}
	if item.partial != nil {
		offset := item.partial.offset
		if offset > int64(len(data)) {
			offset = int64(len(data))
		}
		end := offset + item.partial.size
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		data = data[offset:end]
		label += "<" + strconv.FormatInt(item.partial.offset, 10) + ">"
	}
	return label + " " + renderLiteral(string(data))
}

func renderSectionSpec(spec *sectionSpec) string {
	if spec.text == "" {
		return ""
	}
	if len(spec.fields) == 0 {
		return spec.text
	}
	quoted := make([]string, len(spec.fields))
	for i, f := range spec.fields {
		quoted[i] = renderString(strings.ToUpper(f))
	}
	return spec.text + " (" + strings.Join(quoted, " ") + ")"
}

// splitMessage divides raw content at the header/body boundary. The header
// keeps its terminating blank line, as BODY[HEADER] requires.
func splitMessage(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2], raw[i+2:]
	}
	return raw, nil
}

// filterHeaderFields keeps (or with negate, drops) the named header fields,
// continuation lines included, and terminates the result with a blank line.
func filterHeaderFields(header []byte, fields []string, negate bool) []byte {
	wanted := make(map[string]bool, len(fields))
	for _, f := range fields {
		wanted[strings.ToLower(f)] = true
	}

	var out bytes.Buffer
	include := false
	for _, line := range bytes.SplitAfter(header, []byte("\n")) {
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Continuation of the previous field.
			if include {
				out.Write(line)
			}
			continue
		}
		name, _, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			include = false
			continue
		}
		include = wanted[strings.ToLower(string(bytes.TrimSpace(name)))] != negate
		if include {
			out.Write(line)
		}
	}
	out.WriteString("\r\n")
	return out.Bytes()
}

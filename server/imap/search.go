package imap

import (
	"context"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/brevmail/brev/store"
)

func (c *conn) cmdSearch(ctx context.Context, tag string, p *parser) error {
	return c.search(ctx, tag, p, false)
}

func (c *conn) cmdUIDSearch(ctx context.Context, tag string, p *parser) error {
	return c.search(ctx, tag, p, true)
}

func (c *conn) search(ctx context.Context, tag string, p *parser, byUID bool) error {
	if err := p.space(); err != nil {
		return err
	}
	if p.take("CHARSET") {
		if err := p.space(); err != nil {
			return err
		}
		charset, err := p.astring()
		if err != nil {
			return err
		}
		switch strings.ToUpper(charset) {
		case "US-ASCII", "UTF-8":
		default:
			return noCode("BADCHARSET (US-ASCII UTF-8)", "charset %q not supported", charset)
		}
		if err := p.space(); err != nil {
			return err
		}
	}
	criteria, err := p.searchCriteria()
	if err != nil {
		return err
	}
	if err := p.end(); err != nil {
		return err
	}
	if err := validateCriteria(criteria); err != nil {
		return err
	}

	v := c.selected
	rows, err := c.folderRowsByUID(ctx)
	if err != nil {
		return err
	}
	var records map[int64]*store.Message
	if criteriaNeedRecords(criteria) {
		ids := make([]int64, 0, len(v.msgs))
		for _, m := range v.msgs {
			ids = append(ids, m.messageID)
		}
		if records, err = c.server.store.GetMessageRecords(ctx, ids); err != nil {
			return mapStoreError(err)
		}
	}

	var hits []string
	for i, m := range v.msgs {
		row := rows[m.uid]
		if row == nil {
			continue
		}
		if !c.searchMatch(criteria, uint32(i+1), m, row, records[m.messageID]) {
			continue
		}
		if byUID {
			hits = append(hits, itoa32(uint32(m.uid)))
		} else {
			hits = append(hits, itoa32(uint32(i+1)))
		}
	}

	line := "* SEARCH"
	if len(hits) > 0 {
		line += " " + strings.Join(hits, " ")
	}
	if err := c.writeLine("%s", line); err != nil {
		return err
	}
	return c.ok(tag, "SEARCH completed")
}

// searchCriteria reads one or more keys forming an implicit AND.
func (p *parser) searchCriteria() (*imap.SearchCriteria, error) {
	criteria := &imap.SearchCriteria{}
	for {
		key, err := p.searchKey()
		if err != nil {
			return nil, err
		}
		mergeCriteria(criteria, key)
		if p.empty() || strings.HasPrefix(p.line, ")") {
			return criteria, nil
		}
		if err := p.space(); err != nil {
			return nil, err
		}
	}
}

func (p *parser) searchKey() (*imap.SearchCriteria, error) {
	if p.take("(") {
		criteria, err := p.searchCriteria()
		if err != nil {
			return nil, err
		}
		if !p.take(")") {
			return nil, bad("expected ) near %q", p.line)
		}
		return criteria, nil
	}
	if p.line != "" && (p.line[0] == '*' || (p.line[0] >= '0' && p.line[0] <= '9')) {
		set, err := p.seqSet()
		if err != nil {
			return nil, err
		}
		return &imap.SearchCriteria{SeqNum: []imap.SeqSet{set}}, nil
	}

	atom, err := p.atom()
	if err != nil {
		return nil, err
	}
	key := strings.ToUpper(atom)

	flagKey := func(f imap.Flag) (*imap.SearchCriteria, error) {
		return &imap.SearchCriteria{Flag: []imap.Flag{f}}, nil
	}
	notFlagKey := func(f imap.Flag) (*imap.SearchCriteria, error) {
		return &imap.SearchCriteria{NotFlag: []imap.Flag{f}}, nil
	}
	headerKey := func(field string) (*imap.SearchCriteria, error) {
		if err := p.space(); err != nil {
			return nil, err
		}
		value, err := p.astring()
		if err != nil {
			return nil, err
		}
		return &imap.SearchCriteria{Header: []imap.SearchCriteriaHeaderField{{Key: field, Value: value}}}, nil
	}
	dateKey := func() (time.Time, error) {
		if err := p.space(); err != nil {
			return time.Time{}, err
		}
		return p.date()
	}

	switch key {
	case "ALL":
		return &imap.SearchCriteria{}, nil
	case "ANSWERED":
		return flagKey(imap.FlagAnswered)
	case "DELETED":
		return flagKey(imap.FlagDeleted)
	case "DRAFT":
		return flagKey(imap.FlagDraft)
	case "FLAGGED":
		return flagKey(imap.FlagFlagged)
	case "RECENT":
		return flagKey(imap.Flag("\\Recent"))
	case "SEEN":
		return flagKey(imap.FlagSeen)
	case "UNANSWERED":
		return notFlagKey(imap.FlagAnswered)
	case "UNDELETED":
		return notFlagKey(imap.FlagDeleted)
	case "UNDRAFT":
		return notFlagKey(imap.FlagDraft)
	case "UNFLAGGED":
		return notFlagKey(imap.FlagFlagged)
	case "OLD":
		return notFlagKey(imap.Flag("\\Recent"))
	case "UNSEEN":
		return notFlagKey(imap.FlagSeen)
	case "NEW":
		return &imap.SearchCriteria{Flag: []imap.Flag{imap.Flag("\\Recent")}, NotFlag: []imap.Flag{imap.FlagSeen}}, nil
	case "KEYWORD":
		if err := p.space(); err != nil {
			return nil, err
		}
		f, err := p.flag()
		if err != nil {
			return nil, err
		}
		return flagKey(f)
	case "UNKEYWORD":
		if err := p.space(); err != nil {
			return nil, err
		}
		f, err := p.flag()
		if err != nil {
			return nil, err
		}
		return notFlagKey(f)
	case "BCC":
		return headerKey("Bcc")
	case "CC":
		return headerKey("Cc")
	case "FROM":
		return headerKey("From")
	case "SUBJECT":
		return headerKey("Subject")
	case "TO":
		return headerKey("To")
	case "HEADER":
		if err := p.space(); err != nil {
			return nil, err
		}
		field, err := p.astring()
		if err != nil {
			return nil, err
		}
		return headerKey(field)
	case "BODY":
		if err := p.space(); err != nil {
			return nil, err
		}
		s, err := p.astring()
		if err != nil {
			return nil, err
		}
		return &imap.SearchCriteria{Body: []string{s}}, nil
	case "TEXT":
		if err := p.space(); err != nil {
			return nil, err
		}
		s, err := p.astring()
		if err != nil {
			return nil, err
		}
		return &imap.SearchCriteria{Text: []string{s}}, nil
	case "BEFORE":
		d, err := dateKey()
		if err != nil {
			return nil, err
		}
		return &imap.SearchCriteria{Before: d}, nil
	case "ON":
		d, err := dateKey()
		if err != nil {
			return nil, err
		}
		return &imap.SearchCriteria{Since: d, Before: d.Add(24 * time.Hour)}, nil
	case "SINCE":
		d, err := dateKey()
		if err != nil {
			return nil, err
		}
		return &imap.SearchCriteria{Since: d}, nil
	case "SENTBEFORE":
		d, err := dateKey()
		if err != nil {
			return nil, err
		}
		return &imap.SearchCriteria{SentBefore: d}, nil
	case "SENTON":
		d, err := dateKey()
		if err != nil {
			return nil, err
		}
		return &imap.SearchCriteria{SentSince: d, SentBefore: d.Add(24 * time.Hour)}, nil
	case "SENTSINCE":
		d, err := dateKey()
		if err != nil {
			return nil, err
		}
		return &imap.SearchCriteria{SentSince: d}, nil
	case "LARGER":
		if err := p.space(); err != nil {
			return nil, err
		}
		n, err := p.number64()
		if err != nil {
			return nil, err
		}
		return &imap.SearchCriteria{Larger: n}, nil
	case "SMALLER":
		if err := p.space(); err != nil {
			return nil, err
		}
		n, err := p.number64()
		if err != nil {
			return nil, err
		}
		return &imap.SearchCriteria{Smaller: n}, nil
	case "UID":
		if err := p.space(); err != nil {
			return nil, err
		}
		set, err := p.uidSet()
		if err != nil {
			return nil, err
		}
		return &imap.SearchCriteria{UID: []imap.UIDSet{set}}, nil
	case "NOT":
		if err := p.space(); err != nil {
			return nil, err
		}
		sub, err := p.searchKey()
		if err != nil {
			return nil, err
		}
		return &imap.SearchCriteria{Not: []imap.SearchCriteria{*sub}}, nil
	case "OR":
		if err := p.space(); err != nil {
			return nil, err
		}
		left, err := p.searchKey()
		if err != nil {
			return nil, err
		}
		if err := p.space(); err != nil {
			return nil, err
		}
		right, err := p.searchKey()
		if err != nil {
			return nil, err
		}
		return &imap.SearchCriteria{Or: [][2]imap.SearchCriteria{{*left, *right}}}, nil
	default:
		return nil, bad("unknown search key %q", atom)
	}
}

// mergeCriteria folds src into dst as an AND.
func mergeCriteria(dst, src *imap.SearchCriteria) {
	dst.SeqNum = append(dst.SeqNum, src.SeqNum...)
	dst.UID = append(dst.UID, src.UID...)
	if !src.Since.IsZero() && (dst.Since.IsZero() || src.Since.After(dst.Since)) {
		dst.Since = src.Since
	}
	if !src.Before.IsZero() && (dst.Before.IsZero() || src.Before.Before(dst.Before)) {
		dst.Before = src.Before
	}
	if !src.SentSince.IsZero() && (dst.SentSince.IsZero() || src.SentSince.After(dst.SentSince)) {
		dst.SentSince = src.SentSince
	}
	if !src.SentBefore.IsZero() && (dst.SentBefore.IsZero() || src.SentBefore.Before(dst.SentBefore)) {
		dst.SentBefore = src.SentBefore
	}
	dst.Header = append(dst.Header, src.Header...)
	dst.Body = append(dst.Body, src.Body...)
	dst.Text = append(dst.Text, src.Text...)
	dst.Flag = append(dst.Flag, src.Flag...)
	dst.NotFlag = append(dst.NotFlag, src.NotFlag...)
	if src.Larger > dst.Larger {
		dst.Larger = src.Larger
	}
	if src.Smaller != 0 && (dst.Smaller == 0 || src.Smaller < dst.Smaller) {
		dst.Smaller = src.Smaller
	}
	dst.Not = append(dst.Not, src.Not...)
	dst.Or = append(dst.Or, src.Or...)
}

// validateCriteria rejects header fields the stored record cannot answer.
func validateCriteria(criteria *imap.SearchCriteria) error {
	for _, h := range criteria.Header {
		switch strings.ToLower(h.Key) {
		case "subject", "from", "to", "cc", "bcc", "message-id":
		default:
			return no("search on header %q not supported", h.Key)
		}
	}
	for i := range criteria.Not {
		if err := validateCriteria(&criteria.Not[i]); err != nil {
			return err
		}
	}
	for i := range criteria.Or {
		for j := range criteria.Or[i] {
			if err := validateCriteria(&criteria.Or[i][j]); err != nil {
				return err
			}
		}
	}
	return nil
}

func criteriaNeedRecords(criteria *imap.SearchCriteria) bool {
	if len(criteria.Header) > 0 || len(criteria.Body) > 0 || len(criteria.Text) > 0 {
		return true
	}
	if !criteria.SentSince.IsZero() || !criteria.SentBefore.IsZero() {
		return true
	}
	for i := range criteria.Not {
		if criteriaNeedRecords(&criteria.Not[i]) {
			return true
		}
	}
	for i := range criteria.Or {
		for j := range criteria.Or[i] {
			if criteriaNeedRecords(&criteria.Or[i][j]) {
				return true
			}
		}
	}
	return false
}

func day(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// searchMatch evaluates criteria against one message of the selected view.
func (c *conn) searchMatch(criteria *imap.SearchCriteria, seq uint32, m viewMessage, row *store.UserMessage, record *store.Message) bool {
	v := c.selected

	for _, set := range criteria.SeqNum {
		if !setContains(set, seq, v.maxSeq()) {
			return false
		}
	}
	for _, set := range criteria.UID {
		if !uidSetContains(set, m.uid, v.maxUID()) {
			return false
		}
	}

	if !criteria.Since.IsZero() && day(row.InternalDate).Before(day(criteria.Since)) {
		return false
	}
	if !criteria.Before.IsZero() && !day(row.InternalDate).Before(day(criteria.Before)) {
		return false
	}
	if !criteria.SentSince.IsZero() && (record == nil || day(record.SentDate).Before(day(criteria.SentSince))) {
		return false
	}
	if !criteria.SentBefore.IsZero() && (record == nil || !day(record.SentDate).Before(day(criteria.SentBefore))) {
		return false
	}

	if criteria.Larger > 0 && row.Size <= criteria.Larger {
		return false
	}
	if criteria.Smaller > 0 && row.Size >= criteria.Smaller {
		return false
	}

	if len(criteria.Flag) > 0 || len(criteria.NotFlag) > 0 {
		have := make(map[string]bool)
		for _, f := range v.sessionFlags(m.uid, row.Flags()) {
			have[strings.ToLower(string(f))] = true
		}
		for _, f := range criteria.Flag {
			if !have[strings.ToLower(string(f))] {
				return false
			}
		}
		for _, f := range criteria.NotFlag {
			if have[strings.ToLower(string(f))] {
				return false
			}
		}
	}

	for _, h := range criteria.Header {
		if !matchHeader(record, h.Key, h.Value) {
			return false
		}
	}
	for _, s := range criteria.Body {
		if record == nil || !strings.Contains(strings.ToLower(record.TextBody), strings.ToLower(s)) {
			return false
		}
	}
	for _, s := range criteria.Text {
		if !matchText(record, s) {
			return false
		}
	}

	for i := range criteria.Not {
		if c.searchMatch(&criteria.Not[i], seq, m, row, record) {
			return false
		}
	}
	for i := range criteria.Or {
		if !c.searchMatch(&criteria.Or[i][0], seq, m, row, record) &&
			!c.searchMatch(&criteria.Or[i][1], seq, m, row, record) {
			return false
		}
	}
	return true
}

func setContains(set imap.SeqSet, n, max uint32) bool {
	for _, r := range set {
		if rangeContains(r.Start, r.Stop, n, max) {
			return true
		}
	}
	return false
}

func uidSetContains(set imap.UIDSet, uid, max imap.UID) bool {
	for _, r := range set {
		if rangeContains(uint32(r.Start), uint32(r.Stop), uint32(uid), uint32(max)) {
			return true
		}
	}
	return false
}

func matchHeader(record *store.Message, key, value string) bool {
	if record == nil {
		return false
	}
	value = strings.ToLower(value)
	switch strings.ToLower(key) {
	case "subject":
		return strings.Contains(strings.ToLower(record.Subject), value)
	case "from":
		return strings.Contains(strings.ToLower(record.Sender), value)
	case "to", "cc", "bcc":
		kind := strings.ToLower(key)
		for _, r := range record.Recipients {
			if r.Kind != kind {
				continue
			}
			if strings.Contains(strings.ToLower(r.Email), value) || strings.Contains(strings.ToLower(r.Name), value) {
				return true
			}
		}
		return false
	case "message-id":
		return strings.Trim(value, "<>") == strings.ToLower(record.MessageIDHeader)
	default:
		return false
	}
}

func matchText(record *store.Message, value string) bool {
	if record == nil {
		return false
	}
	value = strings.ToLower(value)
	if strings.Contains(strings.ToLower(record.Subject), value) {
		return true
	}
	if strings.Contains(strings.ToLower(record.TextBody), value) {
		return true
	}
	if strings.Contains(strings.ToLower(record.Sender), value) {
		return true
	}
	for _, r := range record.Recipients {
		if strings.Contains(strings.ToLower(r.Email), value) || strings.Contains(strings.ToLower(r.Name), value) {
			return true
		}
	}
	return false
}

package imap

import (
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brevmail/brev/helpers"
	"github.com/brevmail/brev/store"
)

func parseCriteria(t *testing.T, query string) *imap.SearchCriteria {
	t.Helper()
	p := newParser(nil, query)
	criteria, err := p.searchCriteria()
	require.NoError(t, err)
	require.NoError(t, p.end())
	return criteria
}

func TestSearchKeyParsing(t *testing.T) {
	criteria := parseCriteria(t, `FLAGGED SINCE 1-Jan-2025 FROM "ana" NOT SEEN OR LARGER 1024 SMALLER 10`)

	assert.Equal(t, []imap.Flag{imap.FlagFlagged}, criteria.Flag)
	assert.True(t, criteria.Since.Equal(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)))

	require.Len(t, criteria.Header, 1)
	assert.Equal(t, "From", criteria.Header[0].Key)
	assert.Equal(t, "ana", criteria.Header[0].Value)

	require.Len(t, criteria.Not, 1)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, criteria.Not[0].Flag)

	require.Len(t, criteria.Or, 1)
	assert.Equal(t, int64(1024), criteria.Or[0][0].Larger)
	assert.Equal(t, int64(10), criteria.Or[0][1].Smaller)
}

func TestSearchKeyGroupsAndSets(t *testing.T) {
	criteria := parseCriteria(t, "1:5,9 UID 3:* (DELETED DRAFT)")

	require.Len(t, criteria.SeqNum, 1)
	assert.Equal(t, imap.SeqSet{{Start: 1, Stop: 5}, {Start: 9, Stop: 9}}, criteria.SeqNum[0])
	require.Len(t, criteria.UID, 1)
	assert.Equal(t, imap.UIDSet{{Start: 3, Stop: 0}}, criteria.UID[0])
	assert.ElementsMatch(t, []imap.Flag{imap.FlagDeleted, imap.FlagDraft}, criteria.Flag)
}

func TestSearchKeyAliases(t *testing.T) {
	criteria := parseCriteria(t, "NEW")
	assert.Equal(t, []imap.Flag{imap.Flag("\\Recent")}, criteria.Flag)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, criteria.NotFlag)

	criteria = parseCriteria(t, "OLD")
	assert.Equal(t, []imap.Flag{imap.Flag("\\Recent")}, criteria.NotFlag)

	// ON is the day window [date, date+1).
	criteria = parseCriteria(t, "ON 14-Mar-2025")
	day := time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC)
	assert.True(t, criteria.Since.Equal(day))
	assert.True(t, criteria.Before.Equal(day.Add(24*time.Hour)))

	criteria = parseCriteria(t, "KEYWORD important UNKEYWORD spam")
	assert.Equal(t, []imap.Flag{"important"}, criteria.Flag)
	assert.Equal(t, []imap.Flag{"spam"}, criteria.NotFlag)

	_, err := newParser(nil, "WIBBLE").searchKey()
	assert.Error(t, err)
}

func TestMergeCriteriaTightensBounds(t *testing.T) {
	feb := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	may := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

	dst := &imap.SearchCriteria{}
	mergeCriteria(dst, &imap.SearchCriteria{Since: feb, Before: jun})
	mergeCriteria(dst, &imap.SearchCriteria{Since: mar, Before: may})
	assert.True(t, dst.Since.Equal(mar), "later SINCE wins")
	assert.True(t, dst.Before.Equal(may), "earlier BEFORE wins")

	mergeCriteria(dst, &imap.SearchCriteria{Larger: 100, Smaller: 900})
	mergeCriteria(dst, &imap.SearchCriteria{Larger: 300, Smaller: 500})
	mergeCriteria(dst, &imap.SearchCriteria{Larger: 200})
	assert.Equal(t, int64(300), dst.Larger)
	assert.Equal(t, int64(500), dst.Smaller)
}

func TestValidateCriteriaRejectsGenericHeaders(t *testing.T) {
	assert.NoError(t, validateCriteria(parseCriteria(t, `HEADER Message-ID "<x@y>"`)))
	assert.NoError(t, validateCriteria(parseCriteria(t, "OR SUBJECT a TO b")))

	err := validateCriteria(parseCriteria(t, "HEADER X-Spam-Score 5"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")

	err = validateCriteria(parseCriteria(t, "NOT HEADER Received x"))
	assert.Error(t, err)
}

func TestSearchMatch(t *testing.T) {
	v := &mailboxView{
		msgs:   []viewMessage{{uid: 10, messageID: 1}, {uid: 20, messageID: 2}},
		recent: map[imap.UID]bool{20: true},
	}
	c := &conn{selected: v}

	row1 := &store.UserMessage{
		UID:          10,
		InternalDate: time.Date(2025, time.June, 1, 15, 0, 0, 0, time.UTC),
		Size:         500,
		BitwiseFlags: store.FlagSeen,
	}
	rec1 := &store.Message{
		Subject:         "Quarterly report",
		Sender:          "boss@corp.test",
		TextBody:        "numbers inside",
		MessageIDHeader: "q1@corp.test",
		SentDate:        time.Date(2025, time.May, 30, 8, 0, 0, 0, time.UTC),
		Recipients: []helpers.Recipient{
			{Kind: "to", Name: "Me", Email: "me@corp.test"},
			{Kind: "cc", Email: "aud@corp.test"},
		},
	}
	row2 := &store.UserMessage{
		UID:          20,
		InternalDate: time.Date(2025, time.June, 10, 9, 0, 0, 0, time.UTC),
		Size:         2000,
	}

	match := func(query string, seq uint32, m viewMessage, row *store.UserMessage, rec *store.Message) bool {
		t.Helper()
		return c.searchMatch(parseCriteria(t, query), seq, m, row, rec)
	}

	assert.True(t, match("ALL", 1, v.msgs[0], row1, rec1))
	assert.True(t, match("SEEN", 1, v.msgs[0], row1, rec1))
	assert.False(t, match("UNSEEN", 1, v.msgs[0], row1, rec1))
	assert.True(t, match("UNSEEN RECENT", 2, v.msgs[1], row2, nil))
	assert.False(t, match("RECENT", 1, v.msgs[0], row1, rec1))

	assert.True(t, match("SUBJECT report", 1, v.msgs[0], row1, rec1))
	assert.True(t, match(`FROM "boss"`, 1, v.msgs[0], row1, rec1))
	assert.True(t, match("TO me@corp.test", 1, v.msgs[0], row1, rec1))
	assert.True(t, match("CC aud", 1, v.msgs[0], row1, rec1))
	assert.False(t, match("BCC anyone", 1, v.msgs[0], row1, rec1))
	assert.True(t, match(`HEADER Message-ID "<q1@corp.test>"`, 1, v.msgs[0], row1, rec1))

	assert.True(t, match("BODY numbers", 1, v.msgs[0], row1, rec1))
	assert.False(t, match("BODY elsewhere", 1, v.msgs[0], row1, rec1))
	assert.True(t, match("TEXT boss", 1, v.msgs[0], row1, rec1))
	assert.True(t, match("TEXT quarterly", 1, v.msgs[0], row1, rec1))

	assert.True(t, match("LARGER 400 SMALLER 600", 1, v.msgs[0], row1, rec1))
	assert.False(t, match("LARGER 500", 1, v.msgs[0], row1, rec1))

	// Day-granular comparisons on the internal date.
	assert.True(t, match("SINCE 1-Jun-2025", 1, v.msgs[0], row1, rec1))
	assert.True(t, match("ON 1-Jun-2025", 1, v.msgs[0], row1, rec1))
	assert.False(t, match("BEFORE 1-Jun-2025", 1, v.msgs[0], row1, rec1))
	assert.True(t, match("BEFORE 2-Jun-2025", 1, v.msgs[0], row1, rec1))
	assert.True(t, match("SENTON 30-May-2025", 1, v.msgs[0], row1, rec1))
	assert.False(t, match("SENTSINCE 31-May-2025", 1, v.msgs[0], row1, rec1))

	assert.True(t, match("NOT FLAGGED", 1, v.msgs[0], row1, rec1))
	assert.False(t, match("NOT SEEN", 1, v.msgs[0], row1, rec1))
	assert.True(t, match("OR FLAGGED SEEN", 1, v.msgs[0], row1, rec1))
	assert.False(t, match("OR FLAGGED DELETED", 1, v.msgs[0], row1, rec1))

	assert.True(t, match("UID 10", 1, v.msgs[0], row1, rec1))
	assert.False(t, match("UID 11:19", 1, v.msgs[0], row1, rec1))
	assert.True(t, match("UID 10:*", 2, v.msgs[1], row2, nil))
	assert.True(t, match("1:1", 1, v.msgs[0], row1, rec1))
	assert.False(t, match("2", 1, v.msgs[0], row1, rec1))
}

func TestCriteriaNeedRecords(t *testing.T) {
	assert.False(t, criteriaNeedRecords(parseCriteria(t, "SEEN LARGER 10 UID 1:4")))
	assert.True(t, criteriaNeedRecords(parseCriteria(t, "SUBJECT x")))
	assert.True(t, criteriaNeedRecords(parseCriteria(t, "SENTBEFORE 1-Jan-2025")))
	assert.True(t, criteriaNeedRecords(parseCriteria(t, "NOT BODY x")))
	assert.True(t, criteriaNeedRecords(parseCriteria(t, "OR SEEN TEXT x")))
}

package imap

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeContains(t *testing.T) {
	cases := []struct {
		start, stop, n, max uint32
		want                bool
	}{
		{1, 1, 1, 5, true},
		{2, 4, 3, 5, true},
		{2, 4, 5, 5, false},
		{4, 2, 3, 5, true},  // reversed bounds normalize
		{0, 0, 5, 5, true},  // bare *
		{3, 0, 4, 5, true},  // 3:*
		{0, 3, 4, 5, true},  // *:3 spans 3..max
		{1, 0, 2, 0, false}, // empty mailbox matches nothing
	}
	for _, tc := range cases {
		got := rangeContains(tc.start, tc.stop, tc.n, tc.max)
		assert.Equal(t, tc.want, got, "rangeContains(%d, %d, %d, %d)", tc.start, tc.stop, tc.n, tc.max)
	}
}

func TestViewIndexOfUID(t *testing.T) {
	v := &mailboxView{msgs: []viewMessage{{uid: 2}, {uid: 5}, {uid: 9}}}
	assert.Equal(t, 0, v.indexOfUID(2))
	assert.Equal(t, 1, v.indexOfUID(5))
	assert.Equal(t, 2, v.indexOfUID(9))
	assert.Equal(t, -1, v.indexOfUID(4))
	assert.Equal(t, -1, v.indexOfUID(10))
	assert.Equal(t, imap.UID(9), v.maxUID())
	assert.Equal(t, uint32(3), v.maxSeq())

	empty := &mailboxView{}
	assert.Equal(t, -1, empty.indexOfUID(1))
	assert.Equal(t, imap.UID(0), empty.maxUID())
}

func TestViewMatchSets(t *testing.T) {
	v := &mailboxView{msgs: []viewMessage{{uid: 2}, {uid: 5}, {uid: 9}}}

	set, err := newParser(nil, "2:*").seqSet()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, v.matchSeq(set))

	set, err = newParser(nil, "1,3").seqSet()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, v.matchSeq(set))

	// Sequence numbers past the end of the view are ignored.
	set, err = newParser(nil, "7").seqSet()
	require.NoError(t, err)
	assert.Empty(t, v.matchSeq(set))

	uids, err := newParser(nil, "5:*").uidSet()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, v.matchUID(uids))

	uids, err = newParser(nil, "100").uidSet()
	require.NoError(t, err)
	assert.Empty(t, v.matchUID(uids))

	// * alone names the last message.
	uids, err = newParser(nil, "*").uidSet()
	require.NoError(t, err)
	assert.Equal(t, []int{2}, v.matchUID(uids))
}

func TestSessionFlagsOwnRecent(t *testing.T) {
	v := &mailboxView{recent: map[imap.UID]bool{7: true}}

	flags := v.sessionFlags(7, []imap.Flag{imap.FlagSeen, imap.Flag("\\Recent")})
	assert.Equal(t, []imap.Flag{imap.FlagSeen, imap.Flag("\\Recent")}, flags)

	// A stored Recent bit another session will claim stays invisible here.
	flags = v.sessionFlags(8, []imap.Flag{imap.FlagSeen, imap.Flag("\\Recent")})
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, flags)

	flags = v.sessionFlags(7, nil)
	assert.Equal(t, []imap.Flag{imap.Flag("\\Recent")}, flags)
}

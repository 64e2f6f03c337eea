package consts

const FolderDelimiter = '/'

// FolderInbox is the one folder every user must have; it cannot be
// deleted or renamed and is the POP3 and SMTP delivery target.
const FolderInbox = "INBOX"

// System folder types. At most one folder per user may carry each type.
const (
	SystemInbox  = "inbox"
	SystemSent   = "sent"
	SystemDrafts = "drafts"
	SystemJunk   = "junk"
	SystemTrash  = "trash"
)

// DefaultFolders is the set created for every new user, in creation order.
var DefaultFolders = []struct {
	Name       string
	SystemType string
}{
	{FolderInbox, SystemInbox},
	{"Sent", SystemSent},
	{"Drafts", SystemDrafts},
	{"Junk", SystemJunk},
	{"Trash", SystemTrash},
}

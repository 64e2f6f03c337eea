package consts

// Protocol line and message limits. A client line longer than the protocol's
// maximum cannot be resynchronized and closes the connection.
const (
	MaxIMAPLineLength = 8192
	MaxPOP3LineLength = 1024

	MaxMessageSize = 50 * 1024 * 1024

	MaxSMTPRecipients = 100
)

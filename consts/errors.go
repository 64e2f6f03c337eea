package consts

import "errors"

var (
	ErrDomainNotFound      = errors.New("domain not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrUserExists          = errors.New("user already exists")
	ErrFolderNotFound      = errors.New("folder not found")
	ErrFolderExists        = errors.New("folder already exists")
	ErrFolderProtected     = errors.New("folder cannot be deleted or renamed")
	ErrMessageNotFound     = errors.New("message not found")
	ErrSieveScriptNotFound = errors.New("sieve script not found")
	ErrAuthFailed          = errors.New("authentication failed")
	ErrInternalError       = errors.New("internal error")
	ErrNotPermitted        = errors.New("operation not permitted")

	ErrDBNotFound        = errors.New("not found")
	ErrDBUniqueViolation = errors.New("unique violation")

	ErrBlobUploadFailed = errors.New("blob upload failed")
	ErrContentMissing   = errors.New("message content missing")

	ErrMalformedMessage = errors.New("malformed message")
)

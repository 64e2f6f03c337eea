// Package sieveengine evaluates Sieve filter scripts (RFC 5228) against
// incoming messages at delivery time. Supported outcomes are keep, discard
// and fileinto; a redirect in a script keeps the local copy instead, since
// the server does not relay outbound mail.
package sieveengine

import (
	"context"
	"strings"
	"time"

	"github.com/foxcpp/go-sieve"
	"github.com/foxcpp/go-sieve/interp"

	"github.com/brevmail/brev/pkg/metrics"
)

type Action string

const (
	ActionKeep     Action = "keep"
	ActionDiscard  Action = "discard"
	ActionFileInto Action = "fileinto"
)

// Result is the filing decision for one message.
type Result struct {
	Action        Action
	Mailbox       string // fileinto target
	Copy          bool   // fileinto plus a copy in the default folder
	CreateMailbox bool   // fileinto :create
	Flags         []string
}

// Context is what a script evaluation can see of the message.
type Context struct {
	EnvelopeFrom string
	EnvelopeTo   string
	Header       map[string][]string
	Body         string
}

// Executor holds one compiled script. Compilation happens once; Evaluate
// may run concurrently.
type Executor struct {
	script *sieve.Script
}

// NewExecutor compiles a script. A compile error here is the same error
// a script upload validation would report.
func NewExecutor(scriptContent string) (*Executor, error) {
	options := sieve.DefaultOptions()
	// nil means every extension the interpreter knows is available.
	options.EnabledExtensions = nil
	script, err := sieve.Load(strings.NewReader(scriptContent), options)
	if err != nil {
		return nil, err
	}
	return &Executor{script: script}, nil
}

// Evaluate runs the script against one message. Script failures fall back
// to keep so a broken filter never loses mail.
func (e *Executor) Evaluate(ctx context.Context, c Context) (Result, error) {
	envelope := &sieveEnvelope{from: c.EnvelopeFrom, to: c.EnvelopeTo}
	message := newSieveMessage(c.Header, c.Body)
	data := sieve.NewRuntimeData(e.script, &sievePolicy{}, envelope, message)

	if err := e.script.Execute(ctx, data); err != nil {
		metrics.SieveExecutions.WithLabelValues("error").Inc()
		return Result{Action: ActionKeep}, err
	}

	result := Result{Action: ActionKeep}
	switch {
	case len(data.Mailboxes) > 0:
		result.Action = ActionFileInto
		result.Mailbox = data.Mailboxes[0]
		result.Copy = data.ImplicitKeep || data.Keep
		for _, name := range data.MailboxesCreate {
			if name == result.Mailbox {
				result.CreateMailbox = true
				break
			}
		}
	case len(data.RedirectAddr) > 0:
		// No outbound relay: the local copy stays.
		result.Action = ActionKeep
	case !data.Keep && !data.ImplicitKeep:
		result.Action = ActionDiscard
	}
	if len(data.Flags) > 0 {
		result.Flags = data.Flags
	}

	metrics.SieveExecutions.WithLabelValues(string(result.Action)).Inc()
	return result, nil
}

type sieveEnvelope struct {
	from string
	to   string
}

func (e *sieveEnvelope) EnvelopeFrom() string { return e.from }
func (e *sieveEnvelope) EnvelopeTo() string   { return e.to }
func (e *sieveEnvelope) AuthUsername() string { return "" }

type sieveMessage struct {
	headers map[string][]string
	size    int
}

func newSieveMessage(headers map[string][]string, body string) *sieveMessage {
	lowered := make(map[string][]string, len(headers))
	for key, values := range headers {
		lowered[strings.ToLower(key)] = values
	}
	return &sieveMessage{headers: lowered, size: len(body)}
}

func (m *sieveMessage) HeaderGet(key string) ([]string, error) {
	return m.headers[strings.ToLower(key)], nil
}

func (m *sieveMessage) MessageSize() int { return m.size }

// sievePolicy answers the interpreter's permission checks. Redirects are
// nominally allowed so scripts run to completion; the unsupported send is
// resolved to keep afterwards. Vacation responses are never sent.
type sievePolicy struct{}

func (p *sievePolicy) RedirectAllowed(ctx context.Context, d *interp.RuntimeData, addr string) (bool, error) {
	return true, nil
}

func (p *sievePolicy) VacationResponseAllowed(ctx context.Context, d *interp.RuntimeData,
	originalSender, handle string, duration time.Duration) (bool, error) {
	return false, nil
}

func (p *sievePolicy) SendVacationResponse(ctx context.Context, d *interp.RuntimeData,
	recipient, from, subject, body string, isMime bool) error {
	return nil
}

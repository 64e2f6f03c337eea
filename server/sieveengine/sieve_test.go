package sieveengine

import (
	"context"
	"testing"
)

func evalContext(subject string) Context {
	return Context{
		EnvelopeFrom: "sender@example.com",
		EnvelopeTo:   "recipient@example.com",
		Header: map[string][]string{
			"Subject": {subject},
			"From":    {"sender@example.com"},
			"To":      {"recipient@example.com"},
		},
		Body: "Test message body",
	}
}

func TestFileInto(t *testing.T) {
	script := `
require "fileinto";
if header :contains "Subject" "invoice" {
	fileinto "Receipts";
	stop;
}
`
	executor, err := NewExecutor(script)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}

	tests := []struct {
		name           string
		subject        string
		expectedAction Action
		expectedTarget string
	}{
		{
			name:           "match files into Receipts",
			subject:        "Your invoice for July",
			expectedAction: ActionFileInto,
			expectedTarget: "Receipts",
		},
		{
			name:           "no match keeps",
			subject:        "Lunch on Friday?",
			expectedAction: ActionKeep,
			expectedTarget: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := executor.Evaluate(context.Background(), evalContext(tt.subject))
			if err != nil {
				t.Fatalf("Failed to evaluate script: %v", err)
			}
			if result.Action != tt.expectedAction {
				t.Errorf("Expected action %v, got %v", tt.expectedAction, result.Action)
			}
			if result.Mailbox != tt.expectedTarget {
				t.Errorf("Expected mailbox %q, got %q", tt.expectedTarget, result.Mailbox)
			}
		})
	}
}

func TestFileIntoCopy(t *testing.T) {
	script := `
require ["fileinto", "copy"];
fileinto :copy "Archive";
`
	executor, err := NewExecutor(script)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}

	result, err := executor.Evaluate(context.Background(), evalContext("anything"))
	if err != nil {
		t.Fatalf("Failed to evaluate script: %v", err)
	}
	if result.Action != ActionFileInto {
		t.Errorf("Expected fileinto, got %v", result.Action)
	}
	if result.Mailbox != "Archive" {
		t.Errorf("Expected mailbox Archive, got %q", result.Mailbox)
	}
	if !result.Copy {
		t.Error("Expected :copy to preserve the default folder copy")
	}
}

func TestDiscard(t *testing.T) {
	script := `
if header :contains "Subject" "lottery" {
	discard;
	stop;
}
`
	executor, err := NewExecutor(script)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}

	result, err := executor.Evaluate(context.Background(), evalContext("You won the lottery"))
	if err != nil {
		t.Fatalf("Failed to evaluate script: %v", err)
	}
	if result.Action != ActionDiscard {
		t.Errorf("Expected discard, got %v", result.Action)
	}

	result, err = executor.Evaluate(context.Background(), evalContext("Quarterly report"))
	if err != nil {
		t.Fatalf("Failed to evaluate script: %v", err)
	}
	if result.Action != ActionKeep {
		t.Errorf("Expected keep for non-matching message, got %v", result.Action)
	}
}

func TestRedirectResolvesToKeep(t *testing.T) {
	script := `
redirect "elsewhere@example.net";
`
	executor, err := NewExecutor(script)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}

	result, err := executor.Evaluate(context.Background(), evalContext("forward me"))
	if err != nil {
		t.Fatalf("Failed to evaluate script: %v", err)
	}
	if result.Action != ActionKeep {
		t.Errorf("Expected redirect to resolve to keep, got %v", result.Action)
	}
}

func TestSetFlagOnDelivery(t *testing.T) {
	script := `
require ["fileinto", "imap4flags"];
if address :is "From" "sender@example.com" {
	setflag ["\\Seen"];
	fileinto "Robots";
	stop;
}
`
	executor, err := NewExecutor(script)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}

	result, err := executor.Evaluate(context.Background(), evalContext("automated notification"))
	if err != nil {
		t.Fatalf("Failed to evaluate script: %v", err)
	}
	if result.Action != ActionFileInto {
		t.Errorf("Expected fileinto, got %v", result.Action)
	}
	if len(result.Flags) != 1 || result.Flags[0] != "\\Seen" {
		t.Errorf("Expected flags [\\Seen], got %v", result.Flags)
	}
}

func TestHeaderLookupIsCaseInsensitive(t *testing.T) {
	script := `
require "fileinto";
if header :contains "subject" "invoice" {
	fileinto "Receipts";
}
`
	executor, err := NewExecutor(script)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}

	// Header map keys use canonical casing; the script queries lowercase.
	result, err := executor.Evaluate(context.Background(), evalContext("invoice attached"))
	if err != nil {
		t.Fatalf("Failed to evaluate script: %v", err)
	}
	if result.Action != ActionFileInto {
		t.Errorf("Expected fileinto despite header case mismatch, got %v", result.Action)
	}
}

func TestCompileErrorSurfaces(t *testing.T) {
	if _, err := NewExecutor(`if header { this is not sieve`); err == nil {
		t.Fatal("Expected compile error for malformed script")
	}
}

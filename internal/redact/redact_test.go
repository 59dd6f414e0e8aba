package redact

import (
	"strings"
	"testing"
)

func TestFilter_RawCredential(t *testing.T) {
	t.Setenv("GATEWAY_CRED_API_TOKEN", "s3cretP@ss")

	f := New(nil)
	got := f.Redact(`{"result": "logged in with s3cretP@ss successfully"}`)

	if strings.Contains(got, "s3cretP@ss") {
		t.Errorf("raw credential should be redacted, got: %s", got)
	}
	if !strings.Contains(got, "[REDACTED:GATEWAY_CRED_API_TOKEN]") {
		t.Errorf("expected redaction placeholder, got: %s", got)
	}
}

func TestFilter_URLEncodedCredential(t *testing.T) {
	t.Setenv("GATEWAY_CRED_API_TOKEN", "p@ssw0rd")

	f := New(nil)
	got := f.Redact(`{"url": "https://example.com/login?pass=p%40ssw0rd"}`)

	if strings.Contains(got, "p%40ssw0rd") {
		t.Errorf("URL-encoded credential should be redacted, got: %s", got)
	}
	if !strings.Contains(got, "[REDACTED:GATEWAY_CRED_API_TOKEN:urlencoded]") {
		t.Errorf("expected urlencoded redaction placeholder, got: %s", got)
	}
}

func TestFilter_ShortCredentialStillRedacted(t *testing.T) {
	t.Setenv("GATEWAY_CRED_PIN", "123")

	f := New(nil)
	got := f.Redact("pin is 123 ok")

	if !strings.Contains(got, "[REDACTED:GATEWAY_CRED_PIN]") {
		t.Errorf("expected redaction placeholder for short credential, got: %s", got)
	}
}

func TestFilter_NoCredentials(t *testing.T) {
	f := New(nil)
	input := "nothing to redact here"
	if got := f.Redact(input); got != input {
		t.Errorf("no-op expected, got: %s", got)
	}
}

func TestFilter_ExecutionOverrides(t *testing.T) {
	f := New(map[string]string{"GATEWAY_CRED_SESSION_KEY": "hunter2"})
	got := f.Redact("auth=hunter2 done")

	if strings.Contains(got, "hunter2") {
		t.Errorf("override credential should be redacted, got: %s", got)
	}
	if !strings.Contains(got, "[REDACTED:GATEWAY_CRED_SESSION_KEY]") {
		t.Errorf("expected placeholder, got: %s", got)
	}
}

// Package redact scrubs known-secret values out of subprocess output before
// it reaches any log sink or RPC notification.
package redact

import (
	"log"
	"net/url"
	"os"
	"strings"
)

// credPrefix marks an environment variable's value as a secret to be
// scrubbed from child process output (e.g. tokens injected into
// env_overrides for a command that shells out to an authenticated API).
const credPrefix = "GATEWAY_CRED_"

// Filter replaces known credential values with [REDACTED:VAR_NAME]
// placeholders. All credentials are compiled into a single strings.Replacer
// at construction time, so Redact is one pass over the input no matter how
// many values are registered.
type Filter struct {
	replacer *strings.Replacer
	empty    bool
}

// New builds a Filter from os.Environ() plus any per-execution env
// overrides; overrides win when the same variable appears in both. Each
// credential is registered raw and, where it differs, URL-encoded. Values
// shorter than 4 characters are still redacted but logged as a
// false-positive risk.
func New(overrides map[string]string) *Filter {
	creds := make(map[string]string) // var name -> secret value
	collect := func(name, value string) {
		if strings.HasPrefix(name, credPrefix) && value != "" {
			creds[name] = value
		}
	}
	for _, kv := range os.Environ() {
		if name, value, ok := strings.Cut(kv, "="); ok {
			collect(name, value)
		}
	}
	for name, value := range overrides {
		collect(name, value)
	}

	oldnew := make([]string, 0, 4*len(creds))
	for name, value := range creds {
		if len(value) < 4 {
			log.Printf("redact: %s is shorter than 4 characters, redaction may hit unrelated output", name)
		}
		oldnew = append(oldnew, value, "[REDACTED:"+name+"]")
		if encoded := url.QueryEscape(value); encoded != value {
			oldnew = append(oldnew, encoded, "[REDACTED:"+name+":urlencoded]")
		}
	}

	return &Filter{replacer: strings.NewReplacer(oldnew...), empty: len(creds) == 0}
}

// Redact replaces every registered credential value in input with its
// placeholder. A passthrough when no credentials are registered.
func (f *Filter) Redact(input string) string {
	if f.empty {
		return input
	}
	return f.replacer.Replace(input)
}

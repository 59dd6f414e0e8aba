package classifier

import "testing"

func TestClassify_TrivialShell(t *testing.T) {
	r := Classify("echo Docker Test")
	if r.Category != General || r.Complexity != Trivial {
		t.Fatalf("got %+v", r)
	}
}

func TestClassify_ArithmeticPrompt(t *testing.T) {
	r := Classify(`claude -p "What is 2+2? Just the number."`)
	if r.Category != Calculation || r.Complexity != Trivial {
		t.Fatalf("got %+v", r)
	}
}

func TestClassify_CodeKeyword(t *testing.T) {
	r := Classify(`claude -p "write a function to parse CSV"`)
	if r.Category != Code || r.Complexity != Medium {
		t.Fatalf("got %+v", r)
	}
}

func TestClassify_CodeHighComplexity(t *testing.T) {
	longPrompt := "write a function and implement a class and create tests " +
		"for a very thorough and extensive distributed rate limiter that " +
		"must handle clock skew, partial failures, retries, and backoff " +
		"across many nodes reliably under load"
	r := Classify(`claude -p "` + longPrompt + `"`)
	if r.Category != Code || r.Complexity != High {
		t.Fatalf("got %+v (len=%d)", r, len(longPrompt))
	}
}

func TestClassify_DataKeyword(t *testing.T) {
	r := Classify(`claude -p "analyze this log file and summarize errors"`)
	if r.Category != Data || r.Complexity != Medium {
		t.Fatalf("got %+v", r)
	}
}

func TestClassify_ExtremeStory(t *testing.T) {
	r := Classify(`claude -p "write a 5000 word story about a dragon"`)
	if r.Category != General || r.Complexity != Extreme {
		t.Fatalf("got %+v", r)
	}
}

func TestClassify_GeneralLowFallback(t *testing.T) {
	r := Classify(`claude -p "what time is it"`)
	if r.Category != General || r.Complexity != Low {
		t.Fatalf("got %+v", r)
	}
}

func TestClassify_FileTool(t *testing.T) {
	r := Classify(`jq '.foo' /var/data/input.json`)
	if r.Category != File || r.Complexity != Low {
		t.Fatalf("got %+v", r)
	}
}

func TestClassify_UnknownDefault(t *testing.T) {
	r := Classify(`some-random-binary --flag`)
	if r.Category != Unknown || r.Complexity != Medium {
		t.Fatalf("got %+v", r)
	}
}

func TestNameHash_Stability(t *testing.T) {
	a := NameHash(`claude -p "hello"   --model=sonnet`)
	b := NameHash(`CLAUDE    -p "world" --model=opus`)
	if a != b {
		t.Fatalf("expected flag-value-stripped hashes to match, got %d vs %d", a, b)
	}
}

func TestComplexityOrdering(t *testing.T) {
	if !Less(Trivial, Low) || !Less(Low, Medium) || !Less(Medium, High) || !Less(High, Extreme) {
		t.Fatal("expected trivial < low < medium < high < extreme")
	}
	if Less(Extreme, Trivial) {
		t.Fatal("ordering inverted")
	}
}

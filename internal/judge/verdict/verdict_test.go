package verdict_test

import (
	"testing"

	"tiger/internal/judge/model"
	"tiger/internal/judge/verdict"
)

func TestComparator(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		strict bool
		got    string
		want   string
		equal  bool
	}{
		{name: "identical", strict: true, got: "1 2\n3\n", want: "1 2\n3\n", equal: true},
		{name: "crlf", strict: true, got: "1\r\n2\r\n", want: "1\n2\n", equal: true},
		{name: "trailing spaces", strict: true, got: "1  \n2\t\n", want: "1\n2", equal: true},
		{name: "trailing blank lines", strict: true, got: "ok\n\n\n", want: "ok", equal: true},
		{name: "inner spaces strict", strict: true, got: "1  2", want: "1 2", equal: false},
		{name: "leading blank line strict", strict: true, got: "\nok", want: "ok", equal: false},
		{name: "inner spaces lenient", strict: false, got: "1  2\n\n3", want: "1 2 3", equal: true},
		{name: "content differs", strict: false, got: "Hello World", want: "Hello Universe", equal: false},
		{name: "extra token", strict: false, got: "1 2 3", want: "1 2", equal: false},
		{name: "both empty", strict: false, got: "", want: "\n", equal: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := verdict.NewComparator(tt.strict).Equal([]byte(tt.got), []byte(tt.want)); got != tt.equal {
				t.Fatalf("Equal(%q, %q) = %v, want %v", tt.got, tt.want, got, tt.equal)
			}
		})
	}
}

func intPtr(v int) *int { return &v }

func TestCase(t *testing.T) {
	t.Parallel()
	limits := model.CaseConfig{TimeLimitMs: 1000, MemoryLimitKB: 65536}
	cmp := verdict.NewComparator(false)
	tests := []struct {
		name string
		cmd  model.CompletedCommand
		want model.Status
	}{
		{name: "accepted", cmd: model.CompletedCommand{ExitCode: intPtr(0), Stdout: []byte("42\n")}, want: model.StatusAccepted},
		{name: "timed out", cmd: model.CompletedCommand{TimedOut: true}, want: model.StatusTimeLimitExceeded},
		{name: "cpu over limit", cmd: model.CompletedCommand{ExitCode: intPtr(0), Stdout: []byte("42"), Time: 1500}, want: model.StatusTimeLimitExceeded},
		{name: "memory", cmd: model.CompletedCommand{ExitCode: intPtr(0), Stdout: []byte("42"), Memory: 70000}, want: model.StatusMemoryLimitExceeded},
		{name: "output limit", cmd: model.CompletedCommand{ExitCode: intPtr(0), Stdout: []byte("4"), StdoutTruncated: true}, want: model.StatusOutputLimitExceeded},
		{name: "runtime error", cmd: model.CompletedCommand{ExitCode: intPtr(139), Stdout: []byte("42")}, want: model.StatusRuntimeError},
		{name: "wrong answer", cmd: model.CompletedCommand{ExitCode: intPtr(0), Stdout: []byte("41")}, want: model.StatusWrongAnswer},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := verdict.Case(tt.cmd, limits, []byte("42\n"), cmp); got != tt.want {
				t.Fatalf("Case() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestScore(t *testing.T) {
	if got := verdict.Score(model.StatusAccepted, model.CaseConfig{}); got != 10 {
		t.Fatalf("expected default score 10, got %d", got)
	}
	if got := verdict.Score(model.StatusAccepted, model.CaseConfig{Score: 25}); got != 25 {
		t.Fatalf("expected 25, got %d", got)
	}
	if got := verdict.Score(model.StatusWrongAnswer, model.CaseConfig{Score: 25}); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestRecord(t *testing.T) {
	cases := []model.ExecuteResult{
		{Status: model.StatusAccepted},
		{Status: model.StatusWrongAnswer},
		{Status: model.StatusTimeLimitExceeded},
	}
	if got := verdict.Record(false, cases); got != model.StatusWrongAnswer {
		t.Fatalf("expected first failing status, got %s", got)
	}
	if got := verdict.Record(true, cases); got != model.StatusCompileError {
		t.Fatalf("expected compile error, got %s", got)
	}
	if got := verdict.Record(false, cases[:1]); got != model.StatusAccepted {
		t.Fatalf("expected accepted, got %s", got)
	}
	if got := verdict.Record(false, nil); got != model.StatusAccepted {
		t.Fatalf("expected accepted for no cases, got %s", got)
	}
}

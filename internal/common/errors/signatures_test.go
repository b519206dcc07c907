package errors

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		kind   string
		detail string
		want   string
	}{
		{"timeout", "", SigTimeout},
		{"deadline_exceeded", "", SigTimeout},
		{"rate_limited", "", SigAPIRateLimit},
		{"forbidden", "", SigPermissionDenied},
		{"connection_reset", "", SigTransient},
		{"worker_lost", "", SigWorkerLost},
		{"runtime_error:process", "", "runtime_error:process"},
		{"ValueError", "", "runtime_error:ValueError"},
		{"", "context deadline exceeded after 30s", SigTimeout},
		{"", "HTTP 429 from upstream", SigAPIRateLimit},
		{"", "permission denied on /etc", SigPermissionDenied},
		{"", "something odd happened", SigOther},
		{"", "", SigOther},
	}
	for _, tt := range tests {
		if got := Classify(tt.kind, tt.detail); got != tt.want {
			t.Errorf("Classify(%q, %q) = %q, want %q", tt.kind, tt.detail, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	for _, sig := range []string{SigTimeout, SigAPIRateLimit, SigTransient, SigWorkerLost} {
		if !Retryable(sig) {
			t.Errorf("Retryable(%q) = false, want true", sig)
		}
	}
	for _, sig := range []string{SigInvalidTaskSpec, SigUnknownAgent, SigPermissionDenied, SigBreakerOpen, SigQuarantined, SigTestError, SigOther, RuntimeSignature("process")} {
		if Retryable(sig) {
			t.Errorf("Retryable(%q) = true, want false", sig)
		}
	}
}

func TestSignatureOf(t *testing.T) {
	if got := SignatureOf(nil); got != "" {
		t.Errorf("SignatureOf(nil) = %q", got)
	}
	if got := SignatureOf(NewSignatureError(SigBreakerOpen, "a1|build")); got != SigBreakerOpen {
		t.Errorf("SignatureOf(SignatureError) = %q", got)
	}
	appErr := Rejected(SigSchedulerSaturated, "queue full")
	if got := SignatureOf(appErr); got != SigSchedulerSaturated {
		t.Errorf("SignatureOf(AppError) = %q", got)
	}
}

package obs

import (
	"testing"
	"time"
)

func TestInitIsIdempotent(t *testing.T) {
	// Double registration would panic via MustRegister.
	Init()
	Init()
	InitBuildInfo("test", "deadbeef")
	InitBuildInfo("test", "deadbeef")
}

func TestRequestObservationsDoNotPanic(t *testing.T) {
	Init()
	RequestStarted()
	RequestFinished("GET", 200, time.Now().Add(-time.Millisecond))
	RequestStarted()
	RequestFinished("POST", 0, time.Now())
	RenewalObserved("success")
	RenewalObserved("failure")
	RetryObserved("unauthorized")
	RetryObserved("rate_limited")
}

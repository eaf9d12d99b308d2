package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"429 status beats message", WithStatus(http.StatusTooManyRequests, errors.New("resource not found")), ClassThrottled},
		{"googleapi 503", &googleapi.Error{Code: 503, Message: "backend error"}, ClassThrottled},
		{"googleapi 404", &googleapi.Error{Code: 404, Message: "missing"}, ClassPermanent},
		{"409 conflict", WithStatus(http.StatusConflict, errors.New("x")), ClassPermanent},
		{"grpc resource exhausted", status.Error(codes.ResourceExhausted, "slow down"), ClassThrottled},
		{"grpc not found", status.Error(codes.NotFound, "nope"), ClassPermanent},
		{"typed business", Business("limit policy", nil), ClassBusiness},
		{"typed permanent wrapped", fmt.Errorf("stage: %w", Permanent("bad input", nil)), ClassPermanent},
		{"subnet range", errors.New("IP 10.0.0.9 does not belong to the range of subnet prefix"), ClassPermanent},
		{"copy start limit", errors.New("Number of ongoing CopyStart requests limit reached"), ClassThrottled},
		{"quota", errors.New("Quota exceeded for resource"), ClassThrottled},
		{"dns", errors.New("getaddrinfo EAI_AGAIN management.example.com"), ClassThrottled},
		{"already exists", errors.New("snapshot already exists"), ClassPermanent},
		{"forbidden", errors.New("caller does not have authorization"), ClassPermanent},
		{"timeout", errors.New("request timeout"), ClassTransient},
		{"deadline", fmt.Errorf("poll: %w", context.DeadlineExceeded), ClassTransient},
		{"unknown", errors.New("something odd"), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	err := errors.New("Too Many Requests, try after 30s")
	first := Classify(err)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Classify(err))
	}
}

func TestIsCopyLimit(t *testing.T) {
	assert.True(t, IsCopyLimit(errors.New("there are too many ongoing CopyStart operations")))
	assert.True(t, IsCopyLimit(errors.New("CopyStart requests limit exceeded")))
	assert.False(t, IsCopyLimit(errors.New("quota exceeded")))
	assert.False(t, IsCopyLimit(nil))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(&googleapi.Error{Code: 404}))
	assert.True(t, IsNotFound(errors.New("ResourceNotFound: gone")))
	assert.False(t, IsNotFound(WithStatus(500, errors.New("x"))))
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	tests := []struct {
		attempt int
		min     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		d := p.Delay(tt.attempt)
		if d < tt.min || d >= tt.min+p.BaseDelay {
			t.Errorf("Delay(%d) = %v, want in [%v, %v)", tt.attempt, d, tt.min, tt.min+p.BaseDelay)
		}
	}
}

func TestPolicyLinearAndExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, 2*time.Second, p.Linear(2))
	assert.Equal(t, 5*time.Second, p.Linear(9))
	assert.False(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
	assert.False(t, Policy{}.Exhausted(1000))
}

func TestJitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Jitter(6*time.Second, 12*time.Second)
		if d < 6*time.Second || d > 12*time.Second {
			t.Fatalf("Jitter = %v, out of range", d)
		}
	}
	assert.Equal(t, time.Second, Jitter(time.Second, time.Second))
}

func TestRetryAfter(t *testing.T) {
	st, err := status.New(codes.ResourceExhausted, "quota exceeded").
		WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(90 * time.Second)})
	require.NoError(t, err)

	d, ok := RetryAfter(st.Err())
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	header := http.Header{}
	header.Set("Retry-After", "30")
	d, ok = RetryAfter(fmt.Errorf("copy: %w", &googleapi.Error{Code: 429, Header: header}))
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	_, ok = RetryAfter(errors.New("rate limit"))
	assert.False(t, ok)
}

func TestPolicyNext(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Minute}

	d, err := p.Next(1, errors.New("throttled"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d, time.Second)
	assert.Less(t, d, 2*time.Second)

	header := http.Header{}
	header.Set("Retry-After", "120")
	d, err = p.Next(2, &googleapi.Error{Code: 429, Header: header})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	_, err = p.Next(3, errors.New("throttled"))
	assert.ErrorIs(t, err, ErrAttemptsExhausted)

	_, err = Policy{BaseDelay: time.Second}.Next(1000, nil)
	assert.NoError(t, err)
}

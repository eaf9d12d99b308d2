package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	throttledPatterns = []string{
		"too many requests",
		"try after",
		"retry the request later",
		"quota",
		"rate limit",
		"ratelimit",
		"throttl",
		"limit exceeded",
		"requests limit",
		"service is unavailable now",
		"getaddrinfo",
		"eai_again",
		"ongoing copystart",
		"please provide below info when asking for support",
	}

	permanentPatterns = []string{
		"does not belong to the range of subnet prefix",
		"already exists",
		"conflicterror",
		"unauthorized",
		"forbidden",
		"does not have authorization",
		"notfound",
		"not found",
		"does not exist",
	}

	transientPatterns = []string{
		"timeout",
		"timed out",
		"network",
		"connection",
		"unexpected eof",
		"temporarily",
	}

	copyLimitRe = regexp.MustCompile(`(?i)CopyStart requests limit|ongoing CopyStart|number of ongoing CopyStart`)
)

// Classify decides how a failure is retried. It is deterministic: the same
// error always yields the same class. Explicitly typed errors win, then status
// codes, then message patterns. Anything unrecognised is transient.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient // Should not happen
	}

	var (
		be *BusinessError
		pe *PermanentError
		te *ThrottledError
		re *TransientError
	)
	switch {
	case errors.As(err, &be):
		return ClassBusiness
	case errors.As(err, &pe):
		return ClassPermanent
	case errors.As(err, &te):
		return ClassThrottled
	case errors.As(err, &re):
		return ClassTransient
	}

	if code, ok := StatusCode(err); ok {
		if c, ok := classifyStatus(code); ok {
			return c
		}
	}

	if st, ok := status.FromError(err); ok {
		if c, ok := classifyGRPC(st.Code()); ok {
			return c
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}

	return classifyMessage(err.Error())
}

// IsCopyLimit reports whether err is the provider signal that too many copy
// operations are already running for the subscription.
func IsCopyLimit(err error) bool {
	return err != nil && copyLimitRe.MatchString(err.Error())
}

// StatusCode extracts an HTTP status code from err, if it carries one.
func StatusCode(err error) (int, bool) {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code, true
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return sc.StatusCode(), true
	}
	var hs interface{ HTTPStatus() int }
	if errors.As(err, &hs) {
		return hs.HTTPStatus(), true
	}
	return 0, false
}

// RetryAfter returns the wait the provider asked for, read from a Retry-After
// header or a gRPC RetryInfo detail.
func RetryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Header != nil {
		if secs, convErr := strconv.Atoi(gerr.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			return time.Duration(secs) * time.Second, true
		}
	}
	if st, ok := status.FromError(err); ok {
		for _, d := range st.Details() {
			if info, ok := d.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
				if delay := info.GetRetryDelay().AsDuration(); delay > 0 {
					return delay, true
				}
			}
		}
	}
	return 0, false
}

// IsNotFound reports whether err says the resource does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := StatusCode(err); ok {
		return code == http.StatusNotFound
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
		return true
	}
	return strings.Contains(err.Error(), "ResourceNotFound")
}

func classifyStatus(code int) (Class, bool) {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return ClassThrottled, true
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity:
		return ClassPermanent, true
	}
	return ClassTransient, false
}

func classifyGRPC(code codes.Code) (Class, bool) {
	switch code {
	case codes.ResourceExhausted, codes.Unavailable:
		return ClassThrottled, true
	case codes.DeadlineExceeded, codes.Aborted:
		return ClassTransient, true
	case codes.InvalidArgument,
		codes.NotFound,
		codes.AlreadyExists,
		codes.PermissionDenied,
		codes.Unauthenticated,
		codes.FailedPrecondition:
		return ClassPermanent, true
	}
	return ClassTransient, false
}

func classifyMessage(msg string) Class {
	s := strings.ToLower(msg)
	for _, p := range throttledPatterns {
		if strings.Contains(s, p) {
			return ClassThrottled
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(s, p) {
			return ClassPermanent
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(s, p) {
			return ClassTransient
		}
	}
	return ClassTransient
}

package respauth

// Interceptor wraps Recognize with one-shot per-session state: once a
// frame has been successfully rewritten, every later buffer passes through
// unmodified, even if it happens to contain the substring "AUTH" (e.g. an
// ACL SETUSER command). See spec.md §4.2.
type Interceptor struct {
	creds  Credentials
	active bool
}

// NewInterceptor returns an Interceptor that will attempt to recognize and
// rewrite exactly one AUTH/HELLO frame.
func NewInterceptor(creds Credentials) *Interceptor {
	return &Interceptor{creds: creds, active: true}
}

// Active reports whether the interceptor still expects an AUTH/HELLO frame.
func (in *Interceptor) Active() bool {
	return in.active
}

// Feed passes buf through the recognizer while the interceptor is active.
// It returns the bytes to forward upstream and whether those bytes are the
// literal invalid-password sentinel (in which case the caller must write it
// to the client and terminate the session instead of forwarding upstream).
func (in *Interceptor) Feed(buf []byte) (out []byte, authFailed bool) {
	if !in.active {
		return buf, false
	}

	result := Recognize(buf, in.creds)
	if !result.Intercepted {
		return buf, false
	}

	in.active = false
	if !result.AuthOK {
		return result.Output, true
	}
	return result.Output, false
}

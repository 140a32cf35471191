// Package respauth recognizes and rewrites the first AUTH/HELLO frame a
// Redis client sends, substituting the upstream's real credentials for
// the proxy password the client supplied.
package respauth

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// InvalidPasswordResponse is written back to the client, verbatim, when a
// recognized AUTH/HELLO frame carries the wrong proxy password.
var InvalidPasswordResponse = []byte("-ERR invalid password\r\n")

// Credentials are the upstream identity substituted into a successfully
// authenticated frame.
type Credentials struct {
	ProxyPassword    string
	UpstreamUsername string
	UpstreamPassword string
}

// Result is the outcome of scanning one buffer for an AUTH/HELLO frame.
type Result struct {
	Output      []byte
	Intercepted bool
	AuthOK      bool
}

// Recognize inspects buf for a HELLO...AUTH or AUTH frame. If it finds one
// and can parse it with confidence, it returns the rewritten (or rejected)
// frame with Intercepted=true. Anything it can't parse with confidence —
// including binary payloads that merely contain the substring "AUTH" — is
// passed through unchanged with Intercepted=false. This fall-through is
// load-bearing, not an oversight: see spec.md §4.1.
func Recognize(buf []byte, creds Credentials) Result {
	args, frameLen, ok := parseCommand(buf)
	if !ok || frameLen != len(buf) {
		return Result{Output: buf, Intercepted: false}
	}
	if len(args) == 0 {
		return Result{Output: buf, Intercepted: false}
	}

	switch {
	case len(args) == 5 && strings.EqualFold(args[0], "HELLO") && hasAuthKeyword(args):
		return recognizeHello(args, creds)
	case len(args) == 2 && strings.EqualFold(args[0], "AUTH"):
		return recognizeAuthPasswordOnly(args, creds)
	case len(args) == 3 && strings.EqualFold(args[0], "AUTH"):
		return recognizeAuthUserAndPassword(args, creds)
	default:
		return Result{Output: buf, Intercepted: false}
	}
}

func hasAuthKeyword(args []string) bool {
	for _, a := range args {
		if strings.EqualFold(a, "AUTH") {
			return true
		}
	}
	return false
}

func recognizeAuthPasswordOnly(args []string, creds Credentials) Result {
	provided := args[1]
	if provided != creds.ProxyPassword {
		return Result{Output: InvalidPasswordResponse, Intercepted: true, AuthOK: false}
	}
	out := buildArray([]string{"AUTH", creds.UpstreamUsername, creds.UpstreamPassword})
	return Result{Output: out, Intercepted: true, AuthOK: true}
}

func recognizeAuthUserAndPassword(args []string, creds Credentials) Result {
	provided := args[2]
	if provided != creds.ProxyPassword {
		return Result{Output: InvalidPasswordResponse, Intercepted: true, AuthOK: false}
	}
	// The client-supplied username (args[1]) is discarded by design: the
	// proxy's upstream identity is authoritative. See spec.md §9.
	out := buildArray([]string{"AUTH", creds.UpstreamUsername, creds.UpstreamPassword})
	return Result{Output: out, Intercepted: true, AuthOK: true}
}

// recognizeHello rewrites a HELLO ... AUTH <user> <pass> frame, replacing
// only the password bulk string and leaving every other element —
// including the client's own username argument — untouched. It first tries
// to locate AUTH by keyword (spec.md §9's "SHOULD parse by argument name"
// hardening) and takes the second element after it as the password; if the
// first AUTH isn't followed by two more elements, it falls back to the
// positional form the original implementation used (password is the last
// argument).
func recognizeHello(args []string, creds Credentials) Result {
	authIdx := -1
	for i, a := range args {
		if strings.EqualFold(a, "AUTH") {
			authIdx = i
			break
		}
	}
	var passIdx int
	if authIdx >= 0 && authIdx+2 < len(args) {
		passIdx = authIdx + 2
	} else {
		passIdx = len(args) - 1
	}

	provided := args[passIdx]
	if provided != creds.ProxyPassword {
		return Result{Output: InvalidPasswordResponse, Intercepted: true, AuthOK: false}
	}

	newArgs := make([]string, len(args))
	copy(newArgs, args)
	newArgs[passIdx] = creds.UpstreamPassword
	return Result{Output: buildArray(newArgs), Intercepted: true, AuthOK: true}
}

// parseCommand parses a single RESP array of bulk strings starting at the
// beginning of buf. It returns the decoded arguments, the number of bytes
// the array occupied, and whether parsing succeeded with confidence. Any
// structural surprise (non-"*" header, non-"$" element, truncated CRLF,
// declared length that disagrees with available bytes) yields ok=false —
// per spec.md §4.1 that must result in passthrough, never a panic or a
// best-effort partial rewrite.
func parseCommand(buf []byte) (args []string, consumed int, ok bool) {
	if len(buf) == 0 || buf[0] != '*' {
		return nil, 0, false
	}
	nl := bytes.Index(buf, []byte("\r\n"))
	if nl == -1 {
		return nil, 0, false
	}
	count, err := strconv.Atoi(string(buf[1:nl]))
	if err != nil || count < 0 {
		return nil, 0, false
	}

	pos := nl + 2
	args = make([]string, 0, count)
	for i := 0; i < count; i++ {
		if pos >= len(buf) || buf[pos] != '$' {
			return nil, 0, false
		}
		lenEnd := bytes.Index(buf[pos:], []byte("\r\n"))
		if lenEnd == -1 {
			return nil, 0, false
		}
		lenEnd += pos
		strLen, err := strconv.Atoi(string(buf[pos+1 : lenEnd]))
		if err != nil || strLen < 0 {
			return nil, 0, false
		}
		dataStart := lenEnd + 2
		dataEnd := dataStart + strLen
		if dataEnd+2 > len(buf) {
			return nil, 0, false
		}
		if buf[dataEnd] != '\r' || buf[dataEnd+1] != '\n' {
			return nil, 0, false
		}
		args = append(args, string(buf[dataStart:dataEnd]))
		pos = dataEnd + 2
	}
	return args, pos, true
}

// buildArray encodes args as a RESP array of bulk strings, recomputing
// every length prefix from the payload's byte length (spec.md §4.1's
// "numeric detail" requirement).
func buildArray(args []string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&buf, "$%d\r\n%s\r\n", len(a), a)
	}
	return buf.Bytes()
}

package protocol

import "strings"

// DefaultSubjectPrefix is the first token of every NATS subject.
const DefaultSubjectPrefix = "roomsync"

// RPCSubject is where userID sends requests and receives acks as replies.
func RPCSubject(prefix, userID string) string {
	return prefix + ".rpc." + userID
}

// PushSubject is where userID receives pushes.
func PushSubject(prefix, userID string) string {
	return prefix + ".push." + userID
}

// ValidSubjectToken reports whether s can be used as a single NATS subject token.
func ValidSubjectToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

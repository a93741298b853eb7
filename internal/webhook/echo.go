package webhook

import "regexp"

// echoTagPattern matches the provenance footer the poster appends to
// outbound messages. The capture is a task id (Crockford base32 ULID).
var echoTagPattern = regexp.MustCompile(`agentd:([0-9A-HJKMNP-TV-Z]{26})`)

// EchoTag renders the provenance footer for an outbound message. Its
// task id maps to a post marker claimed before the message is sent, so
// the ingress can drop the webhook echo of our own artifact even if
// the process died before learning the artifact's id.
func EchoTag(taskID string) string {
	return "`agentd:" + taskID + "`"
}

// EchoTaskID extracts the task id from a provenance footer, if present.
func EchoTaskID(text string) (string, bool) {
	m := echoTagPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

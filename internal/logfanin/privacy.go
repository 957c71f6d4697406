package logfanin

import "fmt"

// Redactor formats task UUIDs for log output. With privacy mode on, the
// full uuid never reaches the sink: only the first and last four hex
// characters survive.
type Redactor struct {
	Privacy bool
}

// UUID returns the loggable form of a task uuid.
func (r Redactor) UUID(uid string) string {
	if !r.Privacy {
		return uid
	}
	if len(uid) < 8 {
		return "<task_uuid: ????>"
	}
	return fmt.Sprintf("<task_uuid: %s...%s>", uid[:4], uid[len(uid)-4:])
}

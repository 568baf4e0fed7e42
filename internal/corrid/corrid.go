// Package corrid stamps a short-lived correlation ID on each LE procedure
// invocation (connect, advertise, scan, sequential run) so a human reading
// logs across command/acldata/le/* can follow one conversation end to end.
// It carries no wire meaning; it never crosses the HCI boundary.
package corrid

import "github.com/google/uuid"

// New returns a fresh correlation ID string, suitable for a logrus field.
func New() string {
	return uuid.NewString()
}

package types

import (
	"fmt"
	"strconv"
	"strings"
)

// WorkerID identifies one worker profile. It keys the queue file, the config
// file, the log stream and the browser profile directory.
type WorkerID int

// String returns the bare numeric form used in log markers ("Worker 3").
func (id WorkerID) String() string {
	return strconv.Itoa(int(id))
}

// Name returns the file-system name of the worker ("worker3").
func (id WorkerID) Name() string {
	return "worker" + id.String()
}

// Valid reports whether the id can address a profile.
func (id WorkerID) Valid() bool {
	return id > 0
}

// ParseWorkerID accepts "3" or "worker3".
func ParseWorkerID(s string) (WorkerID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "worker")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid worker id %q: %w", s, err)
	}
	id := WorkerID(n)
	if !id.Valid() {
		return 0, fmt.Errorf("invalid worker id %q: must be positive", s)
	}
	return id, nil
}

// Status is the terminal label written into a queue row's status column.
type Status string

const (
	StatusSuccess           Status = "Success"                            // StatusSuccess means the contact was added.
	StatusGroupNotFound     Status = "Group not found"                    // StatusGroupNotFound means the target group is not in the chat list.
	StatusGroupBanned       Status = "Group Banned"                       // StatusGroupBanned means the group does not offer "Add member".
	StatusContactNotFound   Status = "Contact Not Found"                  // StatusContactNotFound means the search returned no selectable contact.
	StatusPrivate           Status = "Private"                            // StatusPrivate means the contact's privacy settings refused the add.
	StatusInputNotFound     Status = "Input Search Name/Number not found" // StatusInputNotFound means the contact search box never appeared.
	StatusConfirmNotFound   Status = "Confirm button not found"           // StatusConfirmNotFound means the confirm button never appeared.
	StatusAddMemberNotFound Status = "Add member in modal not found"      // StatusAddMemberNotFound means the confirmation modal never appeared.
	StatusError             Status = "Error"                              // StatusError means an unexpected driver failure.
)

// Soft reports whether the label is a queue-advancing classification.
func (s Status) Soft() bool {
	switch s {
	case StatusSuccess, StatusGroupNotFound, StatusGroupBanned, StatusContactNotFound, StatusPrivate:
		return true
	default:
		return false
	}
}

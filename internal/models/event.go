// Copyright (C) 2020  Lukas Dietrich <lukas@lukasdietrich.com>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package models

// EventKind classifies a directory change into its provisioning meaning.
type EventKind int

const (
	_ EventKind = iota
	// EventCreated is a new entry in a watched organizational unit.
	EventCreated
	// EventDisabled is a transition from active to locked.
	EventDisabled
	// EventReenabled is a transition from locked back to active.
	EventReenabled
	// EventDeleted is an entry removal or tombstone.
	EventDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventDisabled:
		return "disabled"
	case EventReenabled:
		return "reenabled"
	case EventDeleted:
		return "deleted"
	}

	return "unknown"
}

// Event is a single provisioning event. Events only exist in memory between the listener and the
// reconciler. Durability lives in the cursor, which advances once the side effects of an event
// are applied.
type Event struct {
	Kind     EventKind
	Subject  Subject
	Sequence int64
	// Token is the resume position of the change stream after this event. An empty token means
	// the event has no durable resume position, for example during a bootstrap scan.
	Token string
}

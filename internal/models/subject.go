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

import (
	"strings"
)

// LifecycleStatus is the lifecycle state of a subject in the directory.
type LifecycleStatus int

const (
	_ LifecycleStatus = iota
	// StatusActive is an enabled directory entry.
	StatusActive
	// StatusDisabled is a locked directory entry.
	StatusDisabled
	// StatusDeleted is a removed directory entry. Only the identifier is reliable.
	StatusDeleted
)

func (s LifecycleStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDisabled:
		return "disabled"
	case StatusDeleted:
		return "deleted"
	}

	return "unknown"
}

// Subject is a snapshot of a directory principal under provisioning control. The ID is the
// immutable directory identifier. The mailbox address, once assigned, never changes for the
// lifetime of the subject.
type Subject struct {
	ID        string
	DN        string
	UID       string
	GivenName string
	Surname   string
	// OrgUnit is the organizational unit path, outermost unit first.
	OrgUnit []string
	Status  LifecycleStatus
	// MailAddress is the assigned mailbox address or empty until provisioned.
	MailAddress string
}

// OrgUnitPath returns the organizational unit path as a single slash separated string.
func (s Subject) OrgUnitPath() string {
	return strings.Join(s.OrgUnit, "/")
}

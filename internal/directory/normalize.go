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

package directory

import (
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/lukasdietrich/postmeister/internal/models"
)

const (
	attrUID       = "uid"
	attrGivenName = "givenName"
	attrSurname   = "sn"
	attrMail      = "mail"
	attrLock      = "nsAccountLock"
	attrUniqueID  = "ipaUniqueID"

	attrChangeNumber   = "changeNumber"
	attrChangeType     = "changeType"
	attrTargetDN       = "targetDn"
	attrTargetUniqueID = "targetUniqueId"
	attrChanges        = "changes"
)

// changeRecord is a single entry of the retro changelog.
type changeRecord struct {
	// Number is the monotonically increasing change number.
	Number int64
	// TargetDN is the dn of the changed entry.
	TargetDN string
	// TargetUniqueID is the immutable identifier of the changed entry, if the changelog
	// records it. Deletions rely on it, because the entry attributes are gone by then.
	TargetUniqueID string
	// Type is one of "add", "modify", "delete" or "modrdn".
	Type string
	// Changes is the ldif fragment describing the modifications. Only set for "modify".
	Changes string
}

// normalize maps a changelog record onto its provisioning meaning. The subject snapshot is the
// current state of the changed entry and nil for deletions.
//
// Modifications that do not touch the account lock are dropped. This covers profile updates as
// well as the reconciler writing the assigned address back into the directory, which must not
// feed back into the change stream.
func normalize(change changeRecord, subject *models.Subject) (models.Event, bool) {
	event := models.Event{
		Sequence: change.Number,
		Token:    strconv.FormatInt(change.Number, 10),
	}

	switch change.Type {
	case "add":
		if subject == nil {
			return models.Event{}, false
		}

		event.Kind = models.EventCreated
		event.Subject = *subject

	case "delete":
		id := change.TargetUniqueID
		if id == "" {
			id = subjectIDFromDN(change.TargetDN)
		}

		event.Kind = models.EventDeleted
		event.Subject = models.Subject{
			ID:      id,
			DN:      change.TargetDN,
			OrgUnit: orgUnitFromDN(change.TargetDN),
			Status:  models.StatusDeleted,
		}

	case "modify":
		if subject == nil || !touchesAttribute(change.Changes, attrLock) {
			return models.Event{}, false
		}

		if subject.Status == models.StatusDisabled {
			event.Kind = models.EventDisabled
		} else {
			event.Kind = models.EventReenabled
		}

		event.Subject = *subject

	default:
		return models.Event{}, false
	}

	return event, true
}

// touchesAttribute reports whether an ldif modification fragment contains an operation on the
// given attribute.
func touchesAttribute(changes, attr string) bool {
	for _, line := range strings.Split(changes, "\n") {
		op := strings.SplitN(strings.TrimSpace(line), ":", 2)
		if len(op) != 2 {
			continue
		}

		switch strings.ToLower(op[0]) {
		case "add", "replace", "delete":
			if strings.EqualFold(strings.TrimSpace(op[1]), attr) {
				return true
			}
		}
	}

	return false
}

// subjectFromEntry builds a subject snapshot from a directory entry.
func subjectFromEntry(entry *ldap.Entry) models.Subject {
	subject := models.Subject{
		ID:          entry.GetAttributeValue(attrUniqueID),
		DN:          entry.DN,
		UID:         entry.GetAttributeValue(attrUID),
		GivenName:   entry.GetAttributeValue(attrGivenName),
		Surname:     entry.GetAttributeValue(attrSurname),
		OrgUnit:     orgUnitFromDN(entry.DN),
		Status:      models.StatusActive,
		MailAddress: entry.GetAttributeValue(attrMail),
	}

	if subject.ID == "" {
		subject.ID = subjectIDFromDN(entry.DN)
	}

	if strings.EqualFold(entry.GetAttributeValue(attrLock), "TRUE") {
		subject.Status = models.StatusDisabled
	}

	return subject
}

// orgUnitFromDN extracts the organizational unit path of a dn, outermost unit first.
func orgUnitFromDN(rawDN string) []string {
	dn, err := ldap.ParseDN(rawDN)
	if err != nil {
		return nil
	}

	var orgUnit []string

	// A dn lists the leaf first. The path is collected in reverse.
	for i := len(dn.RDNs) - 1; i >= 0; i-- {
		for _, attr := range dn.RDNs[i].Attributes {
			if strings.EqualFold(attr.Type, "ou") {
				orgUnit = append(orgUnit, strings.ToLower(attr.Value))
			}
		}
	}

	return orgUnit
}

// subjectIDFromDN derives a stable fallback identifier from a dn. Deletions do not carry the
// entry attributes anymore, so the dn is all that is left to correlate by.
func subjectIDFromDN(rawDN string) string {
	dn, err := ldap.ParseDN(rawDN)
	if err != nil {
		return strings.ToLower(rawDN)
	}

	var parts []string

	for _, rdn := range dn.RDNs {
		for _, attr := range rdn.Attributes {
			parts = append(parts, strings.ToLower(attr.Type)+"="+strings.ToLower(attr.Value))
		}
	}

	return strings.Join(parts, ",")
}

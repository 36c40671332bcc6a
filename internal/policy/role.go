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

package policy

import (
	"fmt"
	"strings"

	"github.com/lukasdietrich/postmeister/internal/models"
)

// Role is a named provisioning policy bound to an organizational unit prefix. Roles are read-only
// reference data. Changing a role never retroactively mutates already provisioned mailboxes.
type Role struct {
	Name string
	// OrgUnit is the organizational unit path prefix the role is bound to, outermost unit first.
	OrgUnit []string
	// AddressTemplate is the mailbox address pattern. It may contain the placeholders `{uid}`,
	// `{given}` and `{sn}` and must contain exactly one "@".
	AddressTemplate string
	QuotaBytes      int64
	// ArchiveOnDisable requests an archive copy when the subject is disabled, in addition to the
	// terminal archive on deletion.
	ArchiveOnDisable bool
}

// FormatAddress renders the address template for a subject. The result is lowercased and
// whitespace is removed.
func (r Role) FormatAddress(subject models.Subject) string {
	replacer := strings.NewReplacer(
		"{uid}", subject.UID,
		"{given}", subject.GivenName,
		"{sn}", subject.Surname,
	)

	address := replacer.Replace(r.AddressTemplate)
	address = strings.ToLower(address)

	return strings.Map(dropSpace, address)
}

func dropSpace(r rune) rune {
	if r == ' ' || r == '\t' {
		return -1
	}

	return r
}

// AddressWithSuffix appends a numeric disambiguator to the local part of an address. It is used
// when a rendered address is already taken by a different subject.
func AddressWithSuffix(address string, suffix int) string {
	at := strings.IndexByte(address, '@')
	if at < 0 {
		return fmt.Sprintf("%s%d", address, suffix)
	}

	return fmt.Sprintf("%s%d%s", address[:at], suffix, address[at:])
}

func matchOrgUnit(prefix, orgUnit []string) bool {
	if len(prefix) > len(orgUnit) {
		return false
	}

	for i, unit := range prefix {
		if orgUnit[i] != unit {
			return false
		}
	}

	return true
}

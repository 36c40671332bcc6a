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

	"github.com/spf13/viper"

	"github.com/lukasdietrich/postmeister/internal/models"
)

type roleConfig struct {
	Name             string `mapstructure:"name"`
	OrgUnit          string `mapstructure:"orgunit"`
	AddressTemplate  string `mapstructure:"addresstemplate"`
	QuotaBytes       int64  `mapstructure:"quotabytes"`
	ArchiveOnDisable bool   `mapstructure:"archiveondisable"`
}

// Resolver maps a subject to its role. The policy is an immutable value built once at startup.
type Resolver struct {
	roles       []Role
	fallback    Role
	groupDomain string
}

// NewResolver creates a role resolver using the configuration from viper.
//
// `policy.roles` is the ordered list of role policies.
// `policy.groupdomain` is the domain for auto group aliases. Empty disables group aliases.
func NewResolver() (*Resolver, error) {
	var configSlice []roleConfig

	if err := viper.UnmarshalKey("policy.roles", &configSlice); err != nil {
		return nil, fmt.Errorf("could not parse role policies: %w", err)
	}

	if len(configSlice) == 0 {
		return nil, fmt.Errorf("no role policies configured")
	}

	roles := make([]Role, len(configSlice))

	for i, config := range configSlice {
		role, err := buildRole(config)
		if err != nil {
			return nil, fmt.Errorf("invalid role policy #%d: %w", i, err)
		}

		roles[i] = role
	}

	return &Resolver{
		roles:       roles,
		fallback:    fallbackRole(roles),
		groupDomain: viper.GetString("policy.groupdomain"),
	}, nil
}

func buildRole(config roleConfig) (Role, error) {
	if config.Name == "" {
		return Role{}, fmt.Errorf("missing name")
	}

	if strings.Count(config.AddressTemplate, "@") != 1 {
		return Role{}, fmt.Errorf("address template %q must contain exactly one @",
			config.AddressTemplate)
	}

	if config.QuotaBytes <= 0 {
		return Role{}, fmt.Errorf("quota must be positive")
	}

	return Role{
		Name:             config.Name,
		OrgUnit:          splitOrgUnit(config.OrgUnit),
		AddressTemplate:  config.AddressTemplate,
		QuotaBytes:       config.QuotaBytes,
		ArchiveOnDisable: config.ArchiveOnDisable,
	}, nil
}

func splitOrgUnit(path string) []string {
	if path == "" {
		return nil
	}

	return strings.Split(path, "/")
}

// fallbackRole derives the default role for unmatched subjects. It is the configured role with
// the lowest quota, without the archive-on-disable override.
func fallbackRole(roles []Role) Role {
	fallback := roles[0]

	for _, role := range roles[1:] {
		if role.QuotaBytes < fallback.QuotaBytes {
			fallback = role
		}
	}

	fallback.ArchiveOnDisable = false
	return fallback
}

// Resolve maps a subject to its role. Resolve is total. Unmatched organizational units fall back
// to the default role. The longest matching prefix wins, ties are broken by declaration order.
func (r *Resolver) Resolve(subject models.Subject) Role {
	var (
		best      Role
		bestDepth = -1
	)

	for _, role := range r.roles {
		if len(role.OrgUnit) > bestDepth && matchOrgUnit(role.OrgUnit, subject.OrgUnit) {
			best = role
			bestDepth = len(role.OrgUnit)
		}
	}

	if bestDepth < 0 {
		return r.fallback
	}

	return best
}

// GroupAddress returns the auto group alias address for an organizational unit. It returns an
// empty string when group aliases are disabled or the path is empty.
func (r *Resolver) GroupAddress(orgUnit []string) string {
	if r.groupDomain == "" || len(orgUnit) == 0 {
		return ""
	}

	leaf := strings.ToLower(orgUnit[len(orgUnit)-1])
	return fmt.Sprintf("%s@%s", leaf, r.groupDomain)
}

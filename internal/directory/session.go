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
	"github.com/go-ldap/ldap/v3"
	"github.com/spf13/viper"

	"github.com/lukasdietrich/postmeister/internal/log"
)

func init() {
	viper.SetDefault("directory.address", "ldap://localhost:389")
	viper.SetDefault("directory.binddn", "")
	viper.SetDefault("directory.password", "")
	viper.SetDefault("directory.basedn", "")
	viper.SetDefault("directory.changelogdn", "cn=changelog")
	viper.SetDefault("directory.pagesize", 500)
}

// Conn is the subset of the ldap client used by this package.
type Conn interface {
	Search(*ldap.SearchRequest) (*ldap.SearchResult, error)
	SearchWithPaging(*ldap.SearchRequest, uint32) (*ldap.SearchResult, error)
	Modify(*ldap.ModifyRequest) error
	Close()
}

// Dialer opens a new bound directory connection.
type Dialer func() (Conn, error)

// NewDialer creates a dialer using the configuration from viper.
//
// `directory.address` is the ldap url of the directory server.
// `directory.binddn` and `directory.password` are the bind credentials. An empty bind dn skips
// the bind and uses an anonymous session.
func NewDialer() Dialer {
	return func() (Conn, error) {
		address := viper.GetString("directory.address")

		conn, err := ldap.DialURL(address)
		if err != nil {
			return nil, err
		}

		if bindDN := viper.GetString("directory.binddn"); bindDN != "" {
			if err := conn.Bind(bindDN, viper.GetString("directory.password")); err != nil {
				conn.Close()
				return nil, err
			}
		}

		log.Debug().
			Str("address", address).
			Msg("directory connection established")

		return conn, nil
	}
}

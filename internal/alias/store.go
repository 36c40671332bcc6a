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

package alias

import (
	"context"

	"github.com/lukasdietrich/postmeister/internal/database"
	"github.com/lukasdietrich/postmeister/internal/log"
	"github.com/lukasdietrich/postmeister/internal/models"
)

// Store is the alias routing backend working on the "aliases" table.
type Store struct {
	conn     database.Conn
	aliasDao database.AliasDao
}

// NewStore creates a new alias store.
func NewStore(conn database.Conn, aliasDao database.AliasDao) *Store {
	return &Store{
		conn:     conn,
		aliasDao: aliasDao,
	}
}

func (s *Store) Bind(ctx context.Context, alias, memberAddress string) error {
	binding := models.AliasEntity{
		Alias:         alias,
		MemberAddress: memberAddress,
		Auto:          true,
	}

	if err := s.aliasDao.Insert(ctx, s.conn, &binding); err != nil {
		if database.IsErrUnique(err) {
			log.DebugContext(ctx).
				Str("alias", alias).
				Str("member", memberAddress).
				Msg("alias binding already exists")

			return nil
		}

		return err
	}

	log.InfoContext(ctx).
		Str("alias", alias).
		Str("member", memberAddress).
		Msg("alias binding added")

	return nil
}

func (s *Store) Unbind(ctx context.Context, alias, memberAddress string) error {
	return s.aliasDao.DeleteAuto(ctx, s.conn, alias, memberAddress)
}

func (s *Store) UnbindMember(ctx context.Context, memberAddress string) error {
	return s.aliasDao.DeleteAutoByMember(ctx, s.conn, memberAddress)
}

func (s *Store) RecomputeGroup(
	ctx context.Context,
	alias string,
	memberAddresses []string,
) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}

	defer tx.Rollback()

	if err := s.aliasDao.DeleteAutoByAlias(ctx, tx, alias); err != nil {
		return err
	}

	for _, memberAddress := range memberAddresses {
		binding := models.AliasEntity{
			Alias:         alias,
			MemberAddress: memberAddress,
			Auto:          true,
		}

		if err := s.aliasDao.Insert(ctx, tx, &binding); err != nil {
			// A manual binding for the same member already routes the alias.
			if database.IsErrUnique(err) {
				continue
			}

			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.InfoContext(ctx).
		Str("alias", alias).
		Int("members", len(memberAddresses)).
		Msg("group alias recomputed")

	return nil
}

func (s *Store) Members(ctx context.Context, alias string) ([]models.AliasEntity, error) {
	return s.aliasDao.FindByAlias(ctx, s.conn, alias)
}

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

package database

import (
	"context"

	"github.com/lukasdietrich/postmeister/internal/models"
)

// AliasDao is a data access object for all alias binding related queries.
type AliasDao interface {
	// Insert inserts a new alias binding.
	Insert(context.Context, Queryer, *models.AliasEntity) error
	// DeleteAuto deletes a single auto binding. Manual bindings are left untouched.
	DeleteAuto(context.Context, Queryer, string, string) error
	// DeleteAutoByAlias deletes all auto bindings of an alias.
	DeleteAutoByAlias(context.Context, Queryer, string) error
	// DeleteAutoByMember deletes all auto bindings of a member address.
	DeleteAutoByMember(context.Context, Queryer, string) error
	// FindByAlias returns all bindings of an alias.
	FindByAlias(context.Context, Queryer, string) ([]models.AliasEntity, error)
}

// aliasDao is the sqlite implementation of AliasDao.
type aliasDao struct{}

// NewAliasDao creates a new AliasDao.
func NewAliasDao() AliasDao {
	return aliasDao{}
}

func (aliasDao) Insert(ctx context.Context, q Queryer, alias *models.AliasEntity) error {
	const query = `
		insert into "aliases" (
			"alias" ,
			"member_address" ,
			"auto"
		) values (
			:alias ,
			:member_address ,
			:auto
		) ;
	`

	result, err := execNamed(ctx, q, query, alias)
	if err != nil {
		return err
	}

	if err := ensureRowsAffected(result); err != nil {
		return err
	}

	alias.ID, err = result.LastInsertId()
	return err
}

func (aliasDao) DeleteAuto(ctx context.Context, q Queryer, alias, memberAddress string) error {
	const query = `
		delete from "aliases"
		where "alias" = $1
		  and "member_address" = $2
		  and "auto" ;
	`

	_, err := execPositional(ctx, q, query, alias, memberAddress)
	return err
}

func (aliasDao) DeleteAutoByAlias(ctx context.Context, q Queryer, alias string) error {
	const query = `
		delete from "aliases"
		where "alias" = $1
		  and "auto" ;
	`

	_, err := execPositional(ctx, q, query, alias)
	return err
}

func (aliasDao) DeleteAutoByMember(ctx context.Context, q Queryer, memberAddress string) error {
	const query = `
		delete from "aliases"
		where "member_address" = $1
		  and "auto" ;
	`

	_, err := execPositional(ctx, q, query, memberAddress)
	return err
}

func (aliasDao) FindByAlias(
	ctx context.Context,
	q Queryer,
	alias string,
) ([]models.AliasEntity, error) {
	const query = `
		select *
		from "aliases"
		where "alias" = $1
		order by "member_address" asc ;
	`

	var aliasSlice []models.AliasEntity

	if err := selectSlice(ctx, q, &aliasSlice, query, alias); err != nil {
		return nil, err
	}

	return aliasSlice, nil
}

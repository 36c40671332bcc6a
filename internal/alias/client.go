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

	"github.com/lukasdietrich/postmeister/internal/models"
)

// Client is the interface to the alias routing backend. All operations are idempotent and only
// ever touch auto bindings. Manually managed bindings are invisible to the reconciler.
type Client interface {
	// Bind adds a member address to an alias.
	Bind(ctx context.Context, alias, memberAddress string) error
	// Unbind removes a member address from an alias.
	Unbind(ctx context.Context, alias, memberAddress string) error
	// UnbindMember removes a member address from every alias.
	UnbindMember(ctx context.Context, memberAddress string) error
	// RecomputeGroup atomically replaces the full auto membership set of an alias.
	RecomputeGroup(ctx context.Context, alias string, memberAddresses []string) error
	// Members returns all bindings of an alias.
	Members(ctx context.Context, alias string) ([]models.AliasEntity, error)
}

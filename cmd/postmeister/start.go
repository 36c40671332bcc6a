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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/lukasdietrich/postmeister/internal/database"
	"github.com/lukasdietrich/postmeister/internal/directory"
	"github.com/lukasdietrich/postmeister/internal/log"
	"github.com/lukasdietrich/postmeister/internal/reconcile"
)

type startCommand struct {
	Database database.Conn
	Listener *directory.Listener
	Writer   *directory.Writer
	Workers  *reconcile.Workers
	Sweeper  *reconcile.Sweeper
}

func (c *startCommand) run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer c.Database.Close()
	defer c.Writer.Close()

	errc := make(chan error, 3)

	go func() { errc <- c.Listener.Run(ctx) }()
	go func() { errc <- c.Workers.Run(ctx) }()
	go func() { errc <- c.Sweeper.Run(ctx) }()

	log.Info().Msg("postmeister is up")

	var firstErr error

	for i := 0; i < cap(errc); i++ {
		if err := <-errc; err != nil && firstErr == nil {
			firstErr = err
		}

		// One runner going down takes the others with it.
		cancel()
	}

	log.Info().Msg("postmeister shut down")
	return firstErr
}

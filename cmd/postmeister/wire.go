// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/lukasdietrich/postmeister/internal/alias"
	"github.com/lukasdietrich/postmeister/internal/database"
	"github.com/lukasdietrich/postmeister/internal/directory"
	"github.com/lukasdietrich/postmeister/internal/mailbox"
	"github.com/lukasdietrich/postmeister/internal/policy"
	"github.com/lukasdietrich/postmeister/internal/reconcile"
)

var wireSet = wire.NewSet(
	wire.Struct(new(startCommand), "*"),
	wire.Struct(new(sweepCommand), "*"),

	provideEventChannel,

	database.WireSet,
	policy.WireSet,
	mailbox.WireSet,
	alias.WireSet,
	directory.WireSet,
	reconcile.WireSet,

	wire.Bind(new(reconcile.Writeback), new(*directory.Writer)),
	wire.Bind(new(directory.CursorSource), new(*reconcile.CursorStore)),
)

func newStartCommand() (*startCommand, error) {
	panic(wire.Build(wireSet))
}

func newSweepCommand() (*sweepCommand, error) {
	panic(wire.Build(wireSet))
}

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

package reconcile

import (
	"context"
	"time"

	"github.com/spf13/viper"

	"github.com/lukasdietrich/postmeister/internal/log"
	"github.com/lukasdietrich/postmeister/internal/mailbox"
)

func init() {
	viper.SetDefault("retention.days", 180)
	viper.SetDefault("retention.sweepinterval", "24h")
}

// Sweeper purges archived mailboxes whose retention window has passed. Purging is permanent,
// both the archive snapshot and the mailbox content are removed. The record remains as a
// tombstone, so the address is never handed out again.
type Sweeper struct {
	mailboxes mailbox.Client
	retention time.Duration
	interval  time.Duration
	clock     func() time.Time
}

// NewSweeper creates a retention sweeper using the configuration from viper.
//
// `retention.days` is the number of days an archived mailbox is kept.
// `retention.sweepinterval` is the delay between sweeps.
func NewSweeper(mailboxes mailbox.Client) *Sweeper {
	return &Sweeper{
		mailboxes: mailboxes,
		retention: time.Duration(viper.GetInt("retention.days")) * 24 * time.Hour,
		interval:  viper.GetDuration("retention.sweepinterval"),
		clock:     time.Now,
	}
}

// Run sweeps periodically until the context is cancelled. A failing sweep is logged and retried
// at the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("retention sweep failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep purges all mailboxes archived at or before the retention deadline. A failing purge does
// not stop the sweep, the remaining mailboxes are still tried.
func (s *Sweeper) Sweep(ctx context.Context) error {
	deadline := s.clock().Add(-s.retention)

	records, err := s.mailboxes.ArchivedBefore(ctx, deadline)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		return nil
	}

	log.Info().
		Int("mailboxes", len(records)).
		Time("deadline", deadline).
		Msg("sweeping expired archives")

	var lastErr error

	for _, record := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.mailboxes.Purge(ctx, record.Address); err != nil {
			log.Error().
				Err(err).
				Str("address", record.Address).
				Msg("could not purge mailbox")

			lastErr = err
		}
	}

	return lastErr
}

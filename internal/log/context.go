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

package log

import (
	"context"

	"github.com/rs/zerolog"
)

type fieldSubject struct{}
type fieldOrigin struct{}
type fieldSequence struct{}

// WithSubject adds the directory subject identifier to the context.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, fieldSubject{}, subject)
}

// WithOrigin adds the origin of processing to the context.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, fieldOrigin{}, origin)
}

// WithSequence adds the change sequence number to the context.
func WithSequence(ctx context.Context, sequence int64) context.Context {
	return context.WithValue(ctx, fieldSequence{}, sequence)
}

// appendContextFields adds defined fields in the context to the log event.
func appendContextFields(ctx context.Context, event *zerolog.Event) *zerolog.Event {
	if subject, ok := ctx.Value(fieldSubject{}).(string); ok {
		event.Str("subject", subject)
	}

	if origin, ok := ctx.Value(fieldOrigin{}).(string); ok {
		event.Str("origin", origin)
	}

	if sequence, ok := ctx.Value(fieldSequence{}).(int64); ok {
		event.Int64("sequence", sequence)
	}

	return event
}

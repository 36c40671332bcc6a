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
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/lukasdietrich/postmeister/internal/database"
	"github.com/lukasdietrich/postmeister/internal/log"
	"github.com/lukasdietrich/postmeister/internal/models"
)

func init() {
	viper.SetDefault("reconcile.workers", 4)
	viper.SetDefault("reconcile.maxattempts", 5)
	viper.SetDefault("reconcile.redeliverinterval", "5m")
	viper.SetDefault("reconcile.shutdowngrace", "30s")
}

const (
	retryBackoffBase = 500 * time.Millisecond
	retryBackoffCap  = 30 * time.Second
)

var errSubjectStalled = errors.New("reconcile: subject stalled behind a parked event")

// Workers applies incoming events concurrently. Events are sharded by subject, so events of the
// same subject are applied strictly in order, while different subjects proceed independently.
//
// An event that exhausts its retries is parked as a dead letter and the cursor stops short of
// it. Later events of the same subject are parked as well to preserve their order. Parked
// events are redelivered on a slow schedule.
type Workers struct {
	reconciler    *Reconciler
	cursors       *CursorStore
	conn          database.Conn
	deadLetterDao database.DeadLetterDao
	events        <-chan models.Event

	count             int
	maxAttempts       int
	redeliverInterval time.Duration
	shutdownGrace     time.Duration

	clock   func() time.Time
	tracker *tracker

	mu     sync.Mutex
	parked map[string]bool
}

// NewWorkers creates the worker pool using the configuration from viper.
//
// `reconcile.workers` is the number of concurrent workers.
// `reconcile.maxattempts` is the retry budget per event before it is parked.
// `reconcile.redeliverinterval` is the delay between redelivery sweeps over parked events.
// `reconcile.shutdowngrace` is how long a shutdown waits for in-flight events.
func NewWorkers(
	reconciler *Reconciler,
	cursors *CursorStore,
	conn database.Conn,
	deadLetterDao database.DeadLetterDao,
	events chan models.Event,
) *Workers {
	return &Workers{
		reconciler:    reconciler,
		cursors:       cursors,
		conn:          conn,
		deadLetterDao: deadLetterDao,
		events:        events,

		count:             viper.GetInt("reconcile.workers"),
		maxAttempts:       viper.GetInt("reconcile.maxattempts"),
		redeliverInterval: viper.GetDuration("reconcile.redeliverinterval"),
		shutdownGrace:     viper.GetDuration("reconcile.shutdowngrace"),

		clock:  time.Now,
		parked: make(map[string]bool),
	}
}

// Run processes events until the context is cancelled.
func (w *Workers) Run(ctx context.Context) error {
	cursor, err := w.cursors.Load(ctx)
	if err != nil {
		return err
	}

	// A cursor without a token points into an unfinished bootstrap. Its sequence numbers are
	// relative to a scan that will not repeat identically, so they carry no meaning anymore.
	start := int64(math.MinInt64)
	if cursor != nil && cursor.Token != "" {
		start = cursor.Sequence
	}

	w.tracker = newTracker(start)

	if err := w.restoreParked(ctx); err != nil {
		return err
	}

	queues := make([]chan models.Event, w.count)

	var wg sync.WaitGroup

	for i := range queues {
		queues[i] = make(chan models.Event, 16)

		wg.Add(1)
		go func(queue <-chan models.Event) {
			defer wg.Done()

			for event := range queue {
				w.process(ctx, event)
			}
		}(queues[i])
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.redeliverLoop(ctx)
	}()

	w.dispatch(ctx, queues)

	for _, queue := range queues {
		close(queue)
	}

	return w.drain(&wg)
}

// restoreParked rebuilds the parked subject set from dead letters surviving a restart.
func (w *Workers) restoreParked(ctx context.Context) error {
	deadLetters, err := w.deadLetterDao.FindAll(ctx, w.conn)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, deadLetter := range deadLetters {
		w.parked[deadLetter.SubjectID] = true
	}

	if len(w.parked) > 0 {
		log.Warn().
			Int("subjects", len(w.parked)).
			Msg("parked events awaiting redelivery")
	}

	return nil
}

func (w *Workers) dispatch(ctx context.Context, queues []chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return

		case event := <-w.events:
			if !w.tracker.Observe(event.Sequence) {
				log.Debug().
					Str("subject", event.Subject.ID).
					Int64("sequence", event.Sequence).
					Msg("duplicate event dropped")

				continue
			}

			if w.isParked(event.Subject.ID) {
				w.park(ctx, event, 0, errSubjectStalled)
				continue
			}

			select {
			case <-ctx.Done():
				return
			case queues[shard(event.Subject.ID, len(queues))] <- event:
			}
		}
	}
}

func (w *Workers) process(ctx context.Context, event models.Event) {
	ctx = log.WithOrigin(ctx, "reconciler")

	for attempt := 1; ; attempt++ {
		// A predecessor may have been parked while this event sat in the shard queue or
		// waited between retries. Applying it anyway would break the subject order.
		if w.isParked(event.Subject.ID) {
			w.park(ctx, event, 0, errSubjectStalled)
			return
		}

		err := w.reconciler.Apply(ctx, event)
		if err == nil {
			w.complete(ctx, event)
			return
		}

		if ctx.Err() != nil {
			// Shutdown mid-application. The cursor stays behind the event and the next start
			// replays it.
			return
		}

		if errors.Is(err, ErrConflict) || attempt >= w.maxAttempts {
			w.park(ctx, event, attempt, err)
			return
		}

		delay := retryDelay(attempt)

		log.WarnContext(ctx).
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("event application failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (w *Workers) complete(ctx context.Context, event models.Event) {
	sequence, token, advanced := w.tracker.Complete(event.Sequence, event.Token)
	if !advanced {
		return
	}

	if err := w.cursors.Advance(ctx, sequence, token); err != nil {
		// The cursor falls behind and already applied events are replayed after a restart,
		// which is safe.
		log.ErrorContext(ctx).
			Err(err).
			Msg("could not advance cursor")
	}
}

func (w *Workers) park(ctx context.Context, event models.Event, attempts int, cause error) {
	snapshot, err := json.Marshal(event.Subject)
	if err != nil {
		log.ErrorContext(ctx).Err(err).Msg("could not snapshot subject")
		snapshot = []byte("{}")
	}

	deadLetter := models.DeadLetterEntity{
		SubjectID: event.Subject.ID,
		Kind:      int(event.Kind),
		Sequence:  event.Sequence,
		Token:     event.Token,
		Snapshot:  string(snapshot),
		Attempts:  attempts,
		LastError: cause.Error(),
		ParkedAt:  w.clock().Unix(),
	}

	if err := w.deadLetterDao.Insert(ctx, w.conn, &deadLetter); err != nil {
		// The event is lost in memory, but the cursor is withheld, so the listener replays it.
		log.ErrorContext(ctx).Err(err).Msg("could not park event")
		return
	}

	w.mu.Lock()
	w.parked[event.Subject.ID] = true
	w.mu.Unlock()

	log.WarnContext(ctx).
		Err(cause).
		Str("subject", event.Subject.ID).
		Int64("sequence", event.Sequence).
		Stringer("kind", event.Kind).
		Msg("event parked for redelivery")
}

func (w *Workers) isParked(subjectID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.parked[subjectID]
}

func (w *Workers) redeliverLoop(ctx context.Context) {
	ticker := time.NewTicker(w.redeliverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.redeliver(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("redelivery sweep failed")
			}
		}
	}
}

// redeliver replays parked events in order per subject. A subject whose first parked event
// still fails keeps its remaining events parked.
func (w *Workers) redeliver(ctx context.Context) error {
	deadLetters, err := w.deadLetterDao.FindAll(ctx, w.conn)
	if err != nil {
		return err
	}

	if len(deadLetters) == 0 {
		return nil
	}

	ctx = log.WithOrigin(ctx, "redelivery")

	stalled := make(map[string]bool)
	cleared := make(map[string]bool)

	for _, deadLetter := range deadLetters {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if stalled[deadLetter.SubjectID] {
			continue
		}

		event, err := unparkEvent(deadLetter)
		if err != nil {
			log.Error().
				Err(err).
				Int64("id", deadLetter.ID).
				Msg("malformed dead letter")

			stalled[deadLetter.SubjectID] = true
			continue
		}

		if err := w.reconciler.Apply(ctx, event); err != nil {
			stalled[deadLetter.SubjectID] = true
			delete(cleared, deadLetter.SubjectID)

			if !errors.Is(err, ErrConflict) {
				log.WarnContext(ctx).
					Err(err).
					Str("subject", deadLetter.SubjectID).
					Int64("sequence", deadLetter.Sequence).
					Msg("redelivery failed")
			}

			continue
		}

		if err := w.deadLetterDao.Delete(ctx, w.conn, deadLetter.ID); err != nil {
			return err
		}

		w.complete(ctx, event)
		cleared[deadLetter.SubjectID] = true

		log.InfoContext(ctx).
			Str("subject", deadLetter.SubjectID).
			Int64("sequence", deadLetter.Sequence).
			Msg("parked event redelivered")
	}

	// New events may have been parked since the sweep started. Only unpark subjects without
	// remaining dead letters. The check and the unpark happen under the same lock that guards
	// parking, so an event parked in between cannot be missed.
	for subjectID := range cleared {
		w.mu.Lock()

		exists, err := w.deadLetterDao.ExistsBySubject(ctx, w.conn, subjectID)
		if err != nil {
			w.mu.Unlock()
			return err
		}

		if !exists {
			delete(w.parked, subjectID)
		}

		w.mu.Unlock()
	}

	return nil
}

func unparkEvent(deadLetter models.DeadLetterEntity) (models.Event, error) {
	var subject models.Subject

	if err := json.Unmarshal([]byte(deadLetter.Snapshot), &subject); err != nil {
		return models.Event{}, err
	}

	subject.ID = deadLetter.SubjectID

	return models.Event{
		Kind:     models.EventKind(deadLetter.Kind),
		Subject:  subject,
		Sequence: deadLetter.Sequence,
		Token:    deadLetter.Token,
	}, nil
}

func (w *Workers) drain(wg *sync.WaitGroup) error {
	finished := make(chan struct{})

	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-time.After(w.shutdownGrace):
		return fmt.Errorf("shutdown grace of %s exceeded", w.shutdownGrace)
	}
}

func shard(subjectID string, count int) int {
	h := fnv.New32a()
	h.Write([]byte(subjectID))

	return int(h.Sum32() % uint32(count))
}

// retryDelay returns a random delay up to an exponentially growing ceiling.
func retryDelay(attempt int) time.Duration {
	ceiling := retryBackoffBase << uint(attempt-1)
	if attempt > 6 || ceiling > retryBackoffCap {
		ceiling = retryBackoffCap
	}

	return time.Duration(rand.Int63n(int64(ceiling))) + time.Millisecond
}

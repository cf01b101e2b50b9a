package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fillwatch/internal/common"
	"fillwatch/internal/metrics"

	"github.com/rs/zerolog/log"
)

var (
	ErrSequenceGap  = errors.New("sequence gap")
	ErrStreamClosed = errors.New("diff stream closed")
)

type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context) (common.Snapshot, error)
}

type DiffSubscriber interface {
	Subscribe(ctx context.Context) (<-chan DiffResult, error)
}

// Book is whatever the syncer keeps in step with the exchange.
type Book interface {
	ApplySnapshot(snapshot common.Snapshot)
	ApplyDiff(diff common.Diff) (bool, error)
	LastSequenceID() uint64
}

// Syncer keeps a local book in step with the exchange. It follows the exchange's
// procedure for managing a local book:
//  1. Open the diff stream and buffer events.
//  2. Fetch a depth snapshot.
//  3. Drop buffered events with a final update id at or below the snapshot's.
//  4. Every applied event must start at or before last update id + 1.
//
// A violation of 4 means an event was missed and the book is rebuilt from a new
// snapshot. A lost stream is redialled after the reconnect delay.
type Syncer struct {
	fetcher        SnapshotFetcher
	subscriber     DiffSubscriber
	book           Book
	reconnectDelay time.Duration
}

func NewSyncer(fetcher SnapshotFetcher, subscriber DiffSubscriber, book Book, reconnectDelay time.Duration) *Syncer {
	return &Syncer{
		fetcher:        fetcher,
		subscriber:     subscriber,
		book:           book,
		reconnectDelay: reconnectDelay,
	}
}

// Run syncs until ctx is done. It only returns once ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			log.Info().Msg("syncer stopped")
			return nil
		}

		metrics.StreamReconnects.Inc()
		log.Warn().Err(err).Dur("delay", s.reconnectDelay).Msg("diff stream lost, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.reconnectDelay):
		}
	}
}

// session runs one stream connection to completion.
func (s *Syncer) session(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results, err := s.subscriber.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("unable to subscribe: %w", err)
	}
	if err := s.resync(ctx, "connect"); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result, ok := <-results:
			if !ok {
				return ErrStreamClosed
			}
			if result.Err != nil {
				return result.Err
			}
			if err := s.handle(ctx, result.Diff); err != nil {
				return err
			}
		}
	}
}

// handle applies one event, rebuilding from a fresh snapshot once if the event
// does not follow on from the book.
func (s *Syncer) handle(ctx context.Context, diff common.Diff) error {
	if s.follows(diff) {
		s.apply(diff)
		return nil
	}

	log.Warn().
		Uint64("first", diff.FirstUpdateID).
		Uint64("final", diff.FinalUpdateID).
		Uint64("last", s.book.LastSequenceID()).
		Msg("missed diff events, rebuilding book")
	if err := s.resync(ctx, "gap"); err != nil {
		return err
	}
	if !s.follows(diff) {
		return fmt.Errorf("%w: event %d-%d after snapshot %d",
			ErrSequenceGap, diff.FirstUpdateID, diff.FinalUpdateID, s.book.LastSequenceID())
	}
	s.apply(diff)
	return nil
}

// follows reports whether diff can be applied, or safely dropped, on top of the
// current book: either it is already covered (u <= last) or it starts no later
// than the next id (U <= last+1). The same rule serves the first event after a
// snapshot and every event after that.
func (s *Syncer) follows(diff common.Diff) bool {
	last := s.book.LastSequenceID()
	return diff.FinalUpdateID <= last || diff.FirstUpdateID <= last+1
}

func (s *Syncer) apply(diff common.Diff) {
	// Rejections are reported by the book and never stop the stream.
	_, _ = s.book.ApplyDiff(diff)
}

func (s *Syncer) resync(ctx context.Context, reason string) error {
	snapshot, err := s.fetcher.FetchSnapshot(ctx)
	if err != nil {
		return err
	}
	metrics.Snapshots.WithLabelValues(reason).Inc()
	s.book.ApplySnapshot(snapshot)
	return nil
}

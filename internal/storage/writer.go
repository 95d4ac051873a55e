package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ResultWriter decouples workers from the database: rows are buffered
// and written asynchronously with retry, so a slow store delays
// persistence, never execution.
type ResultWriter struct {
	db   *DB
	ch   chan *ResultRecord
	wg   sync.WaitGroup
	done chan struct{}
}

func NewResultWriter(db *DB, bufferSize int) *ResultWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &ResultWriter{
		db:   db,
		ch:   make(chan *ResultRecord, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *ResultWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

func (w *ResultWriter) Write(rec *ResultRecord) {
	select {
	case w.ch <- rec:
	default:
		log.Warn().Str("request_id", rec.RequestID).Msg("result buffer full, dropping row")
	}
}

func (w *ResultWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("result writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("result writer flush timed out")
	}
}

func (w *ResultWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec := <-w.ch:
			w.writeWithRetry(rec)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case rec := <-w.ch:
					w.writeWithRetry(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *ResultWriter) writeWithRetry(rec *ResultRecord) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.WriteResult(ctx, rec)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("request_id", rec.RequestID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("result write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("request_id", rec.RequestID).
				Msg("result write failed permanently after retries")
		}
	}
}

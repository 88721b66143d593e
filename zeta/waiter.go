package zeta

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"sync"
	"time"
)

var ErrWaitTimeout = errors.New("timed out waiting for event")

// waitList holds pending waiters for a single event type. Each waiter
// receives at most one event, the first one its predicate matches.
type waitList[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[uint64]*pendingWait[T]
}

type pendingWait[T any] struct {
	match func(T) bool
	ch    chan T
}

func (w *waitList[T]) add(match func(T) bool) (uint64, chan T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.waiters == nil {
		w.waiters = map[uint64]*pendingWait[T]{}
	}
	w.nextID++
	ch := make(chan T, 1)
	w.waiters[w.nextID] = &pendingWait[T]{match: match, ch: ch}
	return w.nextID, ch
}

func (w *waitList[T]) remove(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.waiters, id)
}

// dispatch hands v to every waiter whose predicate matches, removing
// them. It returns the number of waiters that received v.
func (w *waitList[T]) dispatch(v T) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	delivered := 0
	for id, pw := range w.waiters {
		if !pw.match(v) {
			continue
		}
		pw.ch <- v
		delete(w.waiters, id)
		delivered++
	}
	return delivered
}

func (w *waitList[T]) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}

func (w *waitList[T]) wait(ctx context.Context, timeout time.Duration, match func(T) bool) (T, error) {
	id, ch := w.add(match)
	defer w.remove(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-timer.C:
		return zero, ErrWaitTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Waiter lets a command wait for the next reaction or message matching
// a predicate, ex: to prompt the author for input
type Waiter struct {
	reactions waitList[*discordgo.MessageReaction]
	messages  waitList[*discordgo.Message]
}

func NewWaiter() *Waiter {
	return &Waiter{}
}

// WaitForReaction blocks until a reaction is added that match accepts,
// returning [ErrWaitTimeout] if none arrives within timeout
func (w *Waiter) WaitForReaction(
	ctx context.Context,
	timeout time.Duration,
	match func(r *discordgo.MessageReaction) bool,
) (*discordgo.MessageReaction, error) {
	return w.reactions.wait(ctx, timeout, match)
}

// WaitForMessage blocks until a message is created that match accepts,
// returning [ErrWaitTimeout] if none arrives within timeout
func (w *Waiter) WaitForMessage(
	ctx context.Context,
	timeout time.Duration,
	match func(m *discordgo.Message) bool,
) (*discordgo.Message, error) {
	return w.messages.wait(ctx, timeout, match)
}

func (w *Waiter) dispatchReaction(r *discordgo.MessageReaction) int {
	return w.reactions.dispatch(r)
}

func (w *Waiter) dispatchMessage(m *discordgo.Message) int {
	return w.messages.dispatch(m)
}

// Pending returns the number of waiters that haven't received an event
func (w *Waiter) Pending() int {
	return w.reactions.len() + w.messages.len()
}

// Package play drives one participant through a session item by item. Each item
// has a countdown; when it runs out the last selected answer, or no_answer, is
// submitted and the controller moves on.
package play

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quizchain-service/internal/domain"

	"github.com/rs/zerolog/log"
)

// DefaultItemTime is the countdown for each item.
const DefaultItemTime = 30 * time.Second

var (
	ErrNoSelection = errors.New("no answer selected")
	ErrBusy        = errors.New("submission in progress")
	ErrDone        = errors.New("play finished")
)

// Submitter is the server side of a game: the session service or a remote client.
type Submitter interface {
	SubmitAnswer(ctx context.Context, code, address, itemID, answer string) (domain.AnswerResult, error)
	CompleteSession(ctx context.Context, code, address string) (domain.Completion, error)
}

// Outcome is what happened to one item.
type Outcome struct {
	ItemID  string `json:"itemId"`
	Answer  string `json:"answer"`
	Correct bool   `json:"isCorrect"`
	Expired bool   `json:"expired"`
	// Duplicate is set when the server already had an answer for the item.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Controller is safe for concurrent use; a manual Next racing a timer expiry
// submits the item once.
type Controller struct {
	sub     Submitter
	code    string
	address string
	items   []domain.Item
	limit   time.Duration

	mu         sync.Mutex
	index      int
	remaining  time.Duration
	selected   string
	processing bool
	// pendingComplete is set once every item is answered but the server has not
	// yet confirmed completion.
	pendingComplete bool
	done            bool
	results    []Outcome
	completion *domain.Completion
}

func NewController(sub Submitter, code, address string, items []domain.Item, itemTime time.Duration) *Controller {
	if itemTime <= 0 {
		itemTime = DefaultItemTime
	}
	return &Controller{
		sub:       sub,
		code:      code,
		address:   address,
		items:     items,
		limit:     itemTime,
		remaining: itemTime,
		done:      len(items) == 0,
	}
}

// Current returns the item being played.
func (c *Controller) Current() (domain.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done || c.index >= len(c.items) {
		return domain.Item{}, false
	}
	return c.items[c.index], true
}

func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Select records the participant's current choice without submitting it.
func (c *Controller) Select(answer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return ErrDone
	}
	c.selected = answer
	return nil
}

// Next submits the selected answer ahead of the timer.
func (c *Controller) Next(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.done:
		c.mu.Unlock()
		return ErrDone
	case c.processing:
		c.mu.Unlock()
		return ErrBusy
	case c.pendingComplete:
		c.processing = true
		c.mu.Unlock()
		return c.complete(ctx)
	case c.selected == "":
		c.mu.Unlock()
		return ErrNoSelection
	}
	c.processing = true
	answer := c.selected
	c.mu.Unlock()

	return c.submit(ctx, answer, false)
}

// Tick counts elapsed off the current item. When the countdown reaches zero the
// selected answer, or no_answer, is submitted. Ticks during a submission are ignored.
func (c *Controller) Tick(ctx context.Context, elapsed time.Duration) error {
	c.mu.Lock()
	if c.done || c.processing {
		c.mu.Unlock()
		return nil
	}
	if c.pendingComplete {
		c.processing = true
		c.mu.Unlock()
		return c.complete(ctx)
	}
	c.remaining -= elapsed
	if c.remaining > 0 {
		c.mu.Unlock()
		return nil
	}
	c.processing = true
	answer := c.selected
	if answer == "" {
		answer = domain.NoAnswer
	}
	c.mu.Unlock()

	return c.submit(ctx, answer, true)
}

// submit runs with the processing guard held.
func (c *Controller) submit(ctx context.Context, answer string, expired bool) error {
	c.mu.Lock()
	item := c.items[c.index]
	last := c.index == len(c.items)-1
	c.mu.Unlock()

	outcome := Outcome{ItemID: item.ID, Answer: answer, Expired: expired}
	res, err := c.sub.SubmitAnswer(ctx, c.code, c.address, item.ID, answer)
	switch {
	case err == nil:
		outcome.Correct = res.Correct
	case errors.Is(err, domain.ErrAlreadyAnswered):
		outcome.Duplicate = true
	default:
		return c.fail(err)
	}

	c.mu.Lock()
	c.results = append(c.results, outcome)
	c.index++
	c.selected = ""
	c.remaining = c.limit
	c.pendingComplete = last
	if !last {
		c.processing = false
	}
	c.mu.Unlock()

	if last {
		return c.complete(ctx)
	}
	return nil
}

// complete asks the server to settle the participant. It runs with the
// processing guard held; a failure keeps pendingComplete so the next Tick or
// Next retries without submitting the last answer again.
func (c *Controller) complete(ctx context.Context) error {
	done, err := c.sub.CompleteSession(ctx, c.code, c.address)
	if err != nil && !errors.Is(err, domain.ErrAlreadyCompleted) {
		return c.fail(err)
	}
	c.mu.Lock()
	c.completion = &done
	c.pendingComplete = false
	c.done = true
	c.processing = false
	c.mu.Unlock()
	return nil
}

// fail releases the guard. A finished or missing session ends play for good;
// anything else leaves the item in place to be retried.
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processing = false
	switch domain.KindOf(err) {
	case domain.KindGone, domain.KindNotFound, domain.KindForbidden:
		c.done = true
	}
	return fmt.Errorf("play %s: %w", c.code, err)
}

// Run ticks the countdown every interval until play is done or ctx ends.
// Transient failures are logged and retried on the next tick.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if c.Done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.Tick(ctx, interval)
			if err == nil {
				continue
			}
			if c.Done() || domain.KindOf(err) != domain.KindInternal {
				return err
			}
			log.Warn().Err(err).Str("session", c.code).Str("address", c.address).Msg("submission failed, retrying")
		}
	}
}

func (c *Controller) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Results returns the outcome of every item played so far.
func (c *Controller) Results() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outcome(nil), c.results...)
}

// Completion returns the server's final score and reward once the last item is in.
func (c *Controller) Completion() (domain.Completion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completion == nil {
		return domain.Completion{}, false
	}
	return *c.completion, true
}

package common

import (
	"time"

	"github.com/mailru/easyjson"
)

// defaultCommandTimeout is the window a chain command's response must
// arrive in.
const defaultCommandTimeout = 30 * time.Second

type chainCommand struct {
	method string
	params easyjson.RawMessage
}

type chainStatus int

const (
	// chainReady means poll yielded the next command to submit.
	chainReady chainStatus = iota
	// chainWaiting means the previously issued command is still awaited.
	chainWaiting
	// chainExpired means the awaited response missed its deadline. It is
	// reported exactly once; the expired command is not resubmitted.
	chainExpired
	// chainDone means the queue is empty and nothing is awaited.
	chainDone
)

// commandChain issues an ordered sequence of commands one at a time, each
// with its own response deadline. It drives the "enable X, then Y" setup
// sequences of target initialization.
type commandChain struct {
	cmds    []chainCommand
	waiting *chainWait
	timeout time.Duration
}

type chainWait struct {
	method   string
	deadline time.Time
}

func newCommandChain(cmds ...chainCommand) *commandChain {
	return &commandChain{
		cmds:    cmds,
		timeout: defaultCommandTimeout,
	}
}

// push queues another command at the end of the chain.
func (c *commandChain) push(method string, params easyjson.RawMessage) {
	c.cmds = append(c.cmds, chainCommand{method: method, params: params})
}

// receivedResponse clears the waiting state if method matches the awaited
// command. A response to an overlapping, unrelated command never counts as
// chain progress.
func (c *commandChain) receivedResponse(method string) bool {
	if c.waiting != nil && c.waiting.method == method {
		c.waiting = nil
		return true
	}
	return false
}

// done reports whether the chain has no queued commands and awaits no
// response.
func (c *commandChain) done() bool {
	return c.waiting == nil && len(c.cmds) == 0
}

// poll returns the next command to submit, or the chain's current status.
// A command missing its deadline is reported as chainExpired with a
// *DeadlineError exactly once.
func (c *commandChain) poll(now time.Time) (chainCommand, chainStatus, error) {
	if c.waiting != nil {
		if now.After(c.waiting.deadline) {
			err := &DeadlineError{Method: c.waiting.method, Deadline: c.waiting.deadline, Now: now}
			c.waiting = nil
			c.cmds = nil
			return chainCommand{}, chainExpired, err
		}
		return chainCommand{}, chainWaiting, nil
	}
	if len(c.cmds) == 0 {
		return chainCommand{}, chainDone, nil
	}
	cmd := c.cmds[0]
	c.cmds = c.cmds[1:]
	c.waiting = &chainWait{method: cmd.method, deadline: now.Add(c.timeout)}
	return cmd, chainReady, nil
}

package agent

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type limitedMsg struct {
	Signal
}

type blockMsg struct {
	Signal
}

type overflowNote struct {
	Seq int
}

// occupyWorker subscribes a gate handler: the first blockMsg parks the
// agent's worker until the gate closes, so later deliveries pile up in
// the event queue.
func occupyWorker(a *testAgent, gate chan struct{}) error {
	return a.Subscribe(a.DirectMailbox()).Event(func(msg *blockMsg) {
		<-gate
	})
}

func TestMessageLimitDropKeepsOneDemand(t *testing.T) {
	var calls atomic.Int64
	gate := make(chan struct{})
	handled := make(chan struct{}, 8)

	runEnv(t, func(env *Environment) error {
		a := &testAgent{}
		a.define = func(a *testAgent) error {
			if err := a.SetLimit(Limit{
				MsgType:  TypeOf[limitedMsg](),
				Ceiling:  1,
				Reaction: DropReaction(),
			}); err != nil {
				return err
			}
			if err := occupyWorker(a, gate); err != nil {
				return err
			}
			return a.Subscribe(a.DirectMailbox()).Event(func(msg *limitedMsg) {
				calls.Add(1)
				handled <- struct{}{}
			})
		}

		err := env.IntroduceCoop(func(c *Cooperation) error {
			return c.AddAgent(a)
		})
		require.NoError(t, err)

		mbox := a.DirectMailbox()
		require.NoError(t, mbox.Deliver(&blockMsg{}))
		// The worker is parked; exactly one limitedMsg fits the ceiling.
		for i := 0; i < 5; i++ {
			err := mbox.Deliver(&limitedMsg{})
			if i > 0 {
				assert.Equal(t, ErrMessageLimitOverflow, ErrorCodeOf(err))
			}
		}
		close(gate)

		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("limited message never handled")
		}
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int64(1), calls.Load())

		env.Stop()
		return nil
	})
}

func TestMessageLimitRedirectForwardsOverflow(t *testing.T) {
	var overflowCalls atomic.Int64
	gate := make(chan struct{})
	redirected := make(chan struct{}, 8)

	runEnv(t, func(env *Environment) error {
		overflowMbox := env.NewMPMCMailbox("overflow")

		sink := &testAgent{}
		sink.define = func(a *testAgent) error {
			return a.Subscribe(overflowMbox).Event(func(msg *limitedMsg) {
				overflowCalls.Add(1)
				redirected <- struct{}{}
			})
		}

		busy := &testAgent{}
		busy.define = func(a *testAgent) error {
			if err := a.SetLimit(Limit{
				MsgType:  TypeOf[limitedMsg](),
				Ceiling:  1,
				Reaction: RedirectReaction(overflowMbox),
			}); err != nil {
				return err
			}
			if err := occupyWorker(a, gate); err != nil {
				return err
			}
			return a.Subscribe(a.DirectMailbox()).Event(func(msg *limitedMsg) {})
		}

		err := env.IntroduceCoop(func(c *Cooperation) error {
			if err := c.AddAgent(sink); err != nil {
				return err
			}
			return c.AddAgent(busy)
		})
		require.NoError(t, err)

		mbox := busy.DirectMailbox()
		require.NoError(t, mbox.Deliver(&blockMsg{}))
		for i := 0; i < 3; i++ {
			_ = mbox.Deliver(&limitedMsg{})
		}

		for i := 0; i < 2; i++ {
			select {
			case <-redirected:
			case <-time.After(2 * time.Second):
				t.Fatal("overflow was not redirected")
			}
		}
		assert.Equal(t, int64(2), overflowCalls.Load())

		close(gate)
		env.Stop()
		return nil
	})
}

func TestMessageLimitTransformReplacesOverflow(t *testing.T) {
	gate := make(chan struct{})
	notes := make(chan int, 8)

	runEnv(t, func(env *Environment) error {
		noteMbox := env.NewMPMCMailbox("notes")

		sink := &testAgent{}
		sink.define = func(a *testAgent) error {
			return a.Subscribe(noteMbox).Event(func(msg *overflowNote) {
				notes <- msg.Seq
			})
		}

		busy := &testAgent{}
		busy.define = func(a *testAgent) error {
			if err := a.SetLimit(Limit{
				MsgType: TypeOf[limitedMsg](),
				Ceiling: 1,
				Reaction: TransformReaction(func(msg interface{}) (Mailbox, interface{}) {
					return noteMbox, &overflowNote{Seq: 42}
				}),
			}); err != nil {
				return err
			}
			if err := occupyWorker(a, gate); err != nil {
				return err
			}
			return a.Subscribe(a.DirectMailbox()).Event(func(msg *limitedMsg) {})
		}

		err := env.IntroduceCoop(func(c *Cooperation) error {
			if err := c.AddAgent(sink); err != nil {
				return err
			}
			return c.AddAgent(busy)
		})
		require.NoError(t, err)

		mbox := busy.DirectMailbox()
		require.NoError(t, mbox.Deliver(&blockMsg{}))
		require.NoError(t, mbox.Deliver(&limitedMsg{}))
		_ = mbox.Deliver(&limitedMsg{})

		select {
		case seq := <-notes:
			assert.Equal(t, 42, seq)
		case <-time.After(2 * time.Second):
			t.Fatal("overflow was not transformed")
		}

		close(gate)
		env.Stop()
		return nil
	})
}

func TestSetLimitValidation(t *testing.T) {
	checked := make(chan error, 2)

	runEnv(t, func(env *Environment) error {
		a := &testAgent{}
		a.define = func(a *testAgent) error {
			checked <- a.SetLimit(Limit{MsgType: TypeOf[limitedMsg](), Ceiling: 0})
			checked <- a.SetLimit(Limit{Ceiling: 1})
			return nil
		}

		err := env.IntroduceCoop(func(c *Cooperation) error {
			return c.AddAgent(a)
		})
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			select {
			case err := <-checked:
				assert.Equal(t, ErrInvalidMessage, ErrorCodeOf(err))
			case <-time.After(2 * time.Second):
				t.Fatal("define did not run")
			}
		}

		env.Stop()
		return nil
	})
}
